// Package settings implements Sync Settings: per-(table, queryId) delta
// tokens and per-table system-property flags, persisted in the __config
// system table, plus an optionally-encrypted Remote Table credential.
package settings

import (
	"context"
	"fmt"
	"strings"

	"github.com/oghenemoses/tablesync/internal/crypto"
	"github.com/oghenemoses/tablesync/internal/errors"
	"github.com/oghenemoses/tablesync/internal/model"
	"github.com/oghenemoses/tablesync/internal/store"
)

const tableName = "__config"
const credentialKey = "credential|bearerToken"

// Settings wraps the __config table.
type Settings struct {
	store      store.Store
	passphrase string
}

// New wraps a Local Store handle to manage the __config table. passphrase
// derives the key used to encrypt/decrypt the Remote Table credential; it is
// never persisted.
func New(s store.Store, passphrase string) *Settings {
	return &Settings{store: s, passphrase: passphrase}
}

func (s *Settings) get(ctx context.Context, key string) (string, bool, error) {
	rec, err := s.store.Lookup(ctx, tableName, key)
	if err != nil {
		return "", false, errors.LocalStoreFailure("read config row", err)
	}
	if rec == nil {
		return "", false, nil
	}
	v, _ := rec["value"].(string)
	return v, true, nil
}

func (s *Settings) set(ctx context.Context, key, value string) error {
	rec := model.Record{model.FieldID: key, "value": value}
	if err := s.store.Upsert(ctx, tableName, []model.Record{rec}, true, model.SourceLocal); err != nil {
		return errors.LocalStoreFailure("write config row", err)
	}
	return nil
}

func (s *Settings) delete(ctx context.Context, key string) error {
	if err := s.store.DeleteIDs(ctx, tableName, []string{key}, model.SourceLocal); err != nil {
		return errors.LocalStoreFailure("delete config row", err)
	}
	return nil
}

// GetDeltaToken returns the stored delta token for (tableName, queryID), if any.
func (s *Settings) GetDeltaToken(ctx context.Context, tableName, queryID string) (string, bool, error) {
	return s.get(ctx, model.DeltaToken{TableName: tableName, QueryID: queryID}.Key())
}

// SetDeltaToken upserts the delta token for (tableName, queryID), called
// after each successful incremental pull batch.
func (s *Settings) SetDeltaToken(ctx context.Context, tableName, queryID, value string) error {
	return s.set(ctx, model.DeltaToken{TableName: tableName, QueryID: queryID}.Key(), value)
}

// ResetDeltaToken removes the delta token for (tableName, queryID), called by
// Purge.
func (s *Settings) ResetDeltaToken(ctx context.Context, tableName, queryID string) error {
	return s.delete(ctx, model.DeltaToken{TableName: tableName, QueryID: queryID}.Key())
}

func systemPropertiesKey(table string) string { return "systemProperties|" + table }

// GetSystemProperties returns the supported-system-property bitset for table.
func (s *Settings) GetSystemProperties(ctx context.Context, table string) (model.SystemProperty, error) {
	v, ok, err := s.get(ctx, systemPropertiesKey(table))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var flags model.SystemProperty
	for _, name := range strings.Split(v, ",") {
		switch name {
		case "version":
			flags |= model.SystemPropertyVersion
		case "createdAt":
			flags |= model.SystemPropertyCreatedAt
		case "updatedAt":
			flags |= model.SystemPropertyUpdatedAt
		case "deleted":
			flags |= model.SystemPropertyDeleted
		}
	}
	return flags, nil
}

// SetSystemProperties persists the supported-system-property bitset for table.
func (s *Settings) SetSystemProperties(ctx context.Context, table string, flags model.SystemProperty) error {
	var names []string
	if flags.Has(model.SystemPropertyVersion) {
		names = append(names, "version")
	}
	if flags.Has(model.SystemPropertyCreatedAt) {
		names = append(names, "createdAt")
	}
	if flags.Has(model.SystemPropertyUpdatedAt) {
		names = append(names, "updatedAt")
	}
	if flags.Has(model.SystemPropertyDeleted) {
		names = append(names, "deleted")
	}
	return s.set(ctx, systemPropertiesKey(table), strings.Join(names, ","))
}

// ConfigureCredential encrypts and stores the Remote Table bearer token.
func (s *Settings) ConfigureCredential(ctx context.Context, bearerToken string) error {
	if s.passphrase == "" {
		return fmt.Errorf("configure credential: no passphrase configured for encryption")
	}
	encrypted, err := crypto.EncryptBearerToken(bearerToken, s.passphrase)
	if err != nil {
		return fmt.Errorf("configure credential: %w", err)
	}
	return s.set(ctx, credentialKey, encrypted)
}

// ClearCredential removes the stored Remote Table credential.
func (s *Settings) ClearCredential(ctx context.Context) error {
	return s.delete(ctx, credentialKey)
}

// BearerToken implements remote.CredentialSource, decrypting the stored
// credential on each call so a rotated passphrase takes effect immediately.
func (s *Settings) BearerToken(ctx context.Context) (string, bool, error) {
	encrypted, ok, err := s.get(ctx, credentialKey)
	if err != nil || !ok || encrypted == "" {
		return "", false, err
	}
	token, err := crypto.DecryptBearerToken(encrypted, s.passphrase)
	if err != nil {
		return "", false, fmt.Errorf("decrypt stored credential: %w", err)
	}
	return token, token != "", nil
}
