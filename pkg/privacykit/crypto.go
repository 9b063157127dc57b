package privacykit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/hkdf"
)

const (
	// AlgorithmAESGCM is the only supported field cipher.
	AlgorithmAESGCM = "aes-256-gcm"

	// FieldEncryptionVersion is the per-record stamp naming the key version
	// its fields were encrypted under.
	FieldEncryptionVersion = "encryptionVersion"

	envelopePrefix = "enc:v"
	masterKeyLen   = 32
	gcmNonceLen    = 12
	keyCacheSize   = 16

	// rotationStampID is the metadata-table record holding the last-rotation
	// timestamp. Rotation intervals beyond the practical timer maximum are
	// handled by a daily due-check against this stamp, not one long timer.
	rotationStampID = "key-rotation"
)

// hkdfInfo binds derived keys to their use as field-encryption keys.
var hkdfInfo = []byte("privacykit-field-key-v1")

// EncryptionConfig configures an EncryptionService at construction time.
type EncryptionConfig struct {
	// Enabled turns field encryption on; when false both Process methods are
	// pass-throughs.
	Enabled bool
	// Algorithm names the cipher; only "aes-256-gcm" is supported.
	Algorithm string
	// KeyRotationDays is the rotation interval for the due-check; 0 disables.
	KeyRotationDays int
	// EncryptedFields statically maps table names to encrypted field names.
	EncryptedFields map[string][]string
	// MasterKey is the hex-encoded 32-byte master key. When empty an
	// ephemeral key is generated; data encrypted under it is unreadable
	// after restart.
	MasterKey string
	// CurrentVersion is the key version stamped on new ciphertext.
	CurrentVersion int
	// MetadataTable is where versioned field registries live.
	MetadataTable string
}

func (c *EncryptionConfig) setDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmAESGCM
	}
	if c.CurrentVersion <= 0 {
		c.CurrentVersion = 1
	}
	if c.MetadataTable == "" {
		c.MetadataTable = "encryption_metadata"
	}
}

// EncryptionService encrypts designated record fields at rest. Each encrypted
// value is an explicit envelope "enc:v<version>:<base64(nonce||ciphertext)>",
// so detection is an exact prefix match rather than a shape heuristic, and
// decryption always uses the key version embedded in the value being read.
type EncryptionService struct {
	cfg       EncryptionConfig
	masterKey []byte
	keys      *lru.LRU[int, []byte]
	rules     []PatternRule
	registry  DataElementRegistry
	backend   StorageBackend
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	currentVersion int
	versionByTable map[string]int

	stopRotation chan struct{}
	rotationOnce sync.Once
}

// EncryptionOption configures an EncryptionService.
type EncryptionOption func(*EncryptionService)

// WithEncryptionBackend attaches the backend used for version metadata and
// the rotation stamp. Without it, version registration is unavailable.
func WithEncryptionBackend(backend StorageBackend) EncryptionOption {
	return func(e *EncryptionService) { e.backend = backend }
}

// WithDataElementRegistry injects a sensitivity registry whose tagged fields
// join the encrypted set.
func WithDataElementRegistry(reg DataElementRegistry) EncryptionOption {
	return func(e *EncryptionService) { e.registry = reg }
}

// WithPatternRules adds pattern-based field selection rules.
func WithPatternRules(rules ...PatternRule) EncryptionOption {
	return func(e *EncryptionService) { e.rules = append(e.rules, rules...) }
}

// WithEncryptionLogger sets the structured logger.
func WithEncryptionLogger(logger *slog.Logger) EncryptionOption {
	return func(e *EncryptionService) { e.logger = logger }
}

// WithEncryptionClock overrides the time source, for tests.
func WithEncryptionClock(now func() time.Time) EncryptionOption {
	return func(e *EncryptionService) { e.now = now }
}

// NewEncryptionService creates a field-encryption service. The master key is
// decoded from config or generated once when absent.
func NewEncryptionService(cfg EncryptionConfig, opts ...EncryptionOption) (*EncryptionService, error) {
	cfg.setDefaults()
	if cfg.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrConfig, cfg.Algorithm)
	}

	var master []byte
	if cfg.MasterKey != "" {
		decoded, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: master key is not valid hex: %v", ErrConfig, err)
		}
		if len(decoded) != masterKeyLen {
			return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrConfig, masterKeyLen, len(decoded))
		}
		master = decoded
	} else {
		master = make([]byte, masterKeyLen)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
	}

	keyTTL := 24 * time.Hour
	e := &EncryptionService{
		cfg:            cfg,
		masterKey:      master,
		keys:           lru.NewLRU[int, []byte](keyCacheSize, nil, keyTTL),
		logger:         slog.Default(),
		now:            time.Now,
		currentVersion: cfg.CurrentVersion,
		versionByTable: make(map[string]int),
		stopRotation:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.MasterKey == "" && cfg.Enabled {
		e.logger.Warn("encryption master key generated at startup; encrypted data will not survive a restart")
	}
	return e, nil
}

// deriveKey returns the per-version key, deriving it via HKDF-SHA256 keyed by
// "<algorithm>-<version>" and caching it by version.
func (e *EncryptionService) deriveKey(version int) ([]byte, error) {
	if key, ok := e.keys.Get(version); ok {
		return key, nil
	}
	salt := []byte(fmt.Sprintf("%s-%d", e.cfg.Algorithm, version))
	r := hkdf.New(sha256.New, e.masterKey, salt, hkdfInfo)
	key := make([]byte, masterKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key version %d: %w", version, err)
	}
	e.keys.Add(version, key)
	return key, nil
}

// EncryptValue envelopes an arbitrary value under the given key version. The
// value is JSON-serialized, sealed with AES-GCM under a fresh random nonce,
// and text-encoded for storage.
func (e *EncryptionService) EncryptValue(version int, value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize value: %w", err)
	}
	key, err := e.deriveKey(version)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return envelopePrefix + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue opens an enveloped value using the key version it names.
func (e *EncryptionService) DecryptValue(enveloped string) (any, error) {
	version, payload, ok := parseEnvelope(enveloped)
	if !ok {
		return nil, fmt.Errorf("value is not an encryption envelope")
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode envelope payload: %w", err)
	}
	if len(sealed) < gcmNonceLen {
		return nil, fmt.Errorf("envelope payload too short")
	}
	key, err := e.deriveKey(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed[:gcmNonceLen], sealed[gcmNonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("authenticate ciphertext: %w", err)
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	return value, nil
}

// IsEncrypted reports whether a value carries the encryption envelope marker.
func IsEncrypted(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	_, _, ok = parseEnvelope(s)
	return ok
}

func parseEnvelope(s string) (version int, payload string, ok bool) {
	if !strings.HasPrefix(s, envelopePrefix) {
		return 0, "", false
	}
	rest := s[len(envelopePrefix):]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return 0, "", false
	}
	v, err := strconv.Atoi(rest[:sep])
	if err != nil || v <= 0 {
		return 0, "", false
	}
	return v, rest[sep+1:], true
}

// ProcessEntityForStorage returns a copy of the record with its designated
// fields replaced by envelope ciphertext and the key version stamped. It is a
// no-op when encryption is disabled or no fields apply.
func (e *EncryptionService) ProcessEntityForStorage(ctx context.Context, table string, rec Record) (Record, error) {
	if !e.cfg.Enabled || rec == nil {
		return rec, nil
	}
	fields := e.fieldsFor(table, rec)
	if len(fields) == 0 {
		return rec, nil
	}
	version := e.versionFor(table)
	out := rec.Clone()
	encrypted := false
	for _, field := range fields {
		value, present := out[field]
		if !present || value == nil || IsEncrypted(value) {
			continue
		}
		enveloped, err := e.EncryptValue(version, value)
		if err != nil {
			return nil, &FieldCryptoError{Table: table, Field: field, EntityID: rec.ID(), Op: "encrypt", Err: err}
		}
		out[field] = enveloped
		encrypted = true
	}
	if encrypted {
		out[FieldEncryptionVersion] = version
	}
	return out, nil
}

// ProcessEntityFromStorage returns a copy of the record with every enveloped
// value decrypted (using the version named by each envelope) and the version
// stamp stripped.
func (e *EncryptionService) ProcessEntityFromStorage(ctx context.Context, table string, rec Record) (Record, error) {
	if !e.cfg.Enabled || rec == nil {
		return rec, nil
	}
	out := rec.Clone()
	for field, value := range out {
		if !IsEncrypted(value) {
			continue
		}
		plain, err := e.DecryptValue(value.(string))
		if err != nil {
			return nil, &FieldCryptoError{Table: table, Field: field, EntityID: rec.ID(), Op: "decrypt", Err: err}
		}
		out[field] = plain
	}
	delete(out, FieldEncryptionVersion)
	return out, nil
}

// TestEncryption performs an encrypt-then-decrypt self-check.
func (e *EncryptionService) TestEncryption(ctx context.Context) error {
	const canary = "privacykit-self-check"
	enveloped, err := e.EncryptValue(e.versionFor(""), canary)
	if err != nil {
		return fmt.Errorf("self-check encrypt: %w", err)
	}
	value, err := e.DecryptValue(enveloped)
	if err != nil {
		return fmt.Errorf("self-check decrypt: %w", err)
	}
	if value != canary {
		return fmt.Errorf("self-check round-trip mismatch")
	}
	return nil
}

func (e *EncryptionService) versionFor(table string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.versionByTable[table]; ok {
		return v
	}
	return e.currentVersion
}

// CreateNewEncryptionVersion bumps the global key version so that subsequent
// encryption uses a freshly derived key. Existing ciphertext remains readable
// through its embedded version.
func (e *EncryptionService) CreateNewEncryptionVersion(ctx context.Context, description string) (int, error) {
	e.mu.Lock()
	e.currentVersion++
	version := e.currentVersion
	e.mu.Unlock()

	if e.backend != nil {
		meta := EncryptionMetadata{
			TableName:         "*",
			EncryptionVersion: version,
			Algorithm:         e.cfg.Algorithm,
			Active:            true,
			PreviousVersion:   version - 1,
			Description:       description,
			CreatedAt:         e.now().UTC(),
		}
		if err := e.registerMetadata(ctx, meta); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// CreateNewTableEncryptionVersion registers a new active encrypted-field set
// for a table, deactivating the previous metadata record.
func (e *EncryptionService) CreateNewTableEncryptionVersion(ctx context.Context, table string, fields []string, description string) (*EncryptionMetadata, error) {
	if e.backend == nil {
		return nil, fmt.Errorf("%w: encryption metadata requires a backend", ErrNotInitialized)
	}
	if table == "" || len(fields) == 0 {
		return nil, fmt.Errorf("%w: table and fields are required", ErrConfig)
	}

	previous := 0
	active, err := e.backend.Query(ctx, e.cfg.MetadataTable, &Filter{
		Where: map[string]any{"tableName": table, "active": true},
	})
	if err != nil {
		return nil, fmt.Errorf("load active encryption metadata for %s: %w", table, err)
	}
	for _, rec := range active {
		if v, ok := asFloat(rec["encryptionVersion"]); ok && int(v) > previous {
			previous = int(v)
		}
		if _, err := e.backend.Update(ctx, e.cfg.MetadataTable, rec.ID(), Record{"active": false}); err != nil {
			return nil, fmt.Errorf("deactivate encryption metadata for %s: %w", table, err)
		}
	}

	meta := EncryptionMetadata{
		TableName:         table,
		EncryptionVersion: previous + 1,
		EncryptedFields:   fields,
		Algorithm:         e.cfg.Algorithm,
		Active:            true,
		PreviousVersion:   previous,
		Description:       description,
		CreatedAt:         e.now().UTC(),
	}
	if err := e.registerMetadata(ctx, meta); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.versionByTable[table] = meta.EncryptionVersion
	if e.cfg.EncryptedFields == nil {
		e.cfg.EncryptedFields = make(map[string][]string)
	}
	e.cfg.EncryptedFields[table] = fields
	e.mu.Unlock()

	return &meta, nil
}

func (e *EncryptionService) registerMetadata(ctx context.Context, meta EncryptionMetadata) error {
	rec := Record{
		"tableName":         meta.TableName,
		"encryptionVersion": meta.EncryptionVersion,
		"encryptedFields":   meta.EncryptedFields,
		"algorithm":         meta.Algorithm,
		"active":            meta.Active,
		"previousVersion":   meta.PreviousVersion,
		"description":       meta.Description,
	}
	if _, err := e.backend.Create(ctx, e.cfg.MetadataTable, rec); err != nil {
		return fmt.Errorf("register encryption metadata: %w", err)
	}
	return nil
}

// RotationDue compares the persisted last-rotation timestamp against the
// configured interval. A missing stamp is initialized to now.
func (e *EncryptionService) RotationDue(ctx context.Context) (bool, error) {
	if e.cfg.KeyRotationDays <= 0 || e.backend == nil {
		return false, nil
	}
	stamp, err := e.backend.Read(ctx, e.cfg.MetadataTable, rotationStampID)
	if err != nil {
		if _, cerr := e.backend.Create(ctx, e.cfg.MetadataTable, Record{
			FieldID: rotationStampID, "rotatedAt": e.now().UTC().Format(time.RFC3339Nano),
		}); cerr != nil {
			return false, fmt.Errorf("initialize rotation stamp: %w", cerr)
		}
		return false, nil
	}
	last, ok := asTime(stamp["rotatedAt"])
	if !ok {
		return true, nil
	}
	due := last.Add(time.Duration(e.cfg.KeyRotationDays) * 24 * time.Hour)
	return e.now().After(due), nil
}

// MarkRotated persists a new last-rotation timestamp and drops cached keys.
// The stamp record is created on first use.
func (e *EncryptionService) MarkRotated(ctx context.Context) error {
	if e.backend == nil {
		return fmt.Errorf("%w: rotation stamp requires a backend", ErrNotInitialized)
	}
	stamp := Record{"rotatedAt": e.now().UTC().Format(time.RFC3339Nano)}
	if _, err := e.backend.Update(ctx, e.cfg.MetadataTable, rotationStampID, stamp); err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("persist rotation stamp: %w", err)
		}
		stamp[FieldID] = rotationStampID
		if _, err := e.backend.Create(ctx, e.cfg.MetadataTable, stamp); err != nil {
			return fmt.Errorf("persist rotation stamp: %w", err)
		}
	}
	e.keys.Purge()
	return nil
}

// StartRotationCheck begins a daily rotation due-check, logging when rotation
// is overdue. Close stops it.
func (e *EncryptionService) StartRotationCheck() {
	if e.cfg.KeyRotationDays <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				due, err := e.RotationDue(context.Background())
				if err != nil {
					e.logger.Debug("rotation due-check failed", "error", err)
					continue
				}
				if due {
					e.logger.Warn("encryption key rotation overdue",
						"interval_days", e.cfg.KeyRotationDays)
				}
			case <-e.stopRotation:
				return
			}
		}
	}()
}

// Close stops background rotation checks.
func (e *EncryptionService) Close() {
	e.rotationOnce.Do(func() { close(e.stopRotation) })
}
