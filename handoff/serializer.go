package handoff

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowrelay/flowrelay/types"
)

// envelopeVersion is the current wire version of serialized state.
const envelopeVersion = "1"

// defaultSensitivePatterns match field names whose values are redacted
// before the state leaves the source agent.
var defaultSensitivePatterns = []string{
	`(?i)password`,
	`(?i)passwd`,
	`(?i)secret`,
	`(?i)token`,
	`(?i)api_?key`,
	`(?i)credential`,
	`(?i)private_?key`,
}

// redactedPlaceholder replaces sensitive values in the serialized state.
const redactedPlaceholder = "[REDACTED]"

// Envelope wraps serialized state with an integrity checksum. The checksum
// is computed over the serialized bytes before compression and is verified
// on every Deserialize.
type Envelope struct {
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressed"`
	Data       []byte    `json:"data"`
}

// FieldSerializer converts a single named field to and from its transfer
// representation. Registering one for a field exempts it from redaction.
type FieldSerializer interface {
	Serialize(value any) (any, error)
	Deserialize(value any) (any, error)
}

// SerializerConfig configures a StateSerializer.
type SerializerConfig struct {
	// Compress enables gzip compression of the envelope payload.
	Compress bool
	// SensitivePatterns override the default redaction patterns.
	SensitivePatterns []string
}

// StateSerializer converts arbitrary execution state to a checksummed,
// optionally compressed transfer envelope and back.
type StateSerializer struct {
	compress bool
	patterns []*regexp.Regexp
	logger   *zap.Logger

	mu     sync.RWMutex
	fields map[string]FieldSerializer
}

// NewStateSerializer creates a state serializer. An empty pattern list
// falls back to the defaults.
func NewStateSerializer(cfg SerializerConfig, logger *zap.Logger) (*StateSerializer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw := cfg.SensitivePatterns
	if len(raw) == 0 {
		raw = defaultSensitivePatterns
	}
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile sensitive pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &StateSerializer{
		compress: cfg.Compress,
		patterns: patterns,
		logger:   logger.With(zap.String("component", "state_serializer")),
		fields:   make(map[string]FieldSerializer),
	}, nil
}

// RegisterFieldSerializer registers a type-specific serializer for a field
// name. The field is passed through it instead of being redacted.
func (s *StateSerializer) RegisterFieldSerializer(field string, fs FieldSerializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[field] = fs
}

// Serialize converts state into a checksummed envelope. Sensitive fields
// are redacted first; the checksum covers the serialized bytes before any
// compression.
func (s *StateSerializer) Serialize(state any) (*Envelope, error) {
	normalized, err := normalize(state)
	if err != nil {
		return nil, fmt.Errorf("normalize state: %w", err)
	}

	redacted, err := s.applyFieldPolicy(normalized, true)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	env := &Envelope{
		Version:   envelopeVersion,
		Timestamp: time.Now(),
		Checksum:  checksum(data),
		Data:      data,
	}

	if s.compress {
		compressed, err := gzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("compress state: %w", err)
		}
		env.Data = compressed
		env.Compressed = true
	}

	return env, nil
}

// Deserialize unwraps an envelope back into state. A checksum mismatch is
// a hard failure: it indicates corruption and is never retried.
func (s *StateSerializer) Deserialize(env *Envelope) (any, error) {
	if env == nil {
		return nil, types.NewError(types.ErrChecksumMismatch, "nil envelope")
	}

	data := env.Data
	if env.Compressed {
		decompressed, err := gunzipBytes(data)
		if err != nil {
			return nil, types.NewError(types.ErrChecksumMismatch, "decompress envelope").WithCause(err)
		}
		data = decompressed
	}

	if got := checksum(data); got != env.Checksum {
		s.logger.Error("envelope checksum mismatch",
			zap.String("expected", env.Checksum),
			zap.String("actual", got))
		return nil, types.NewError(types.ErrChecksumMismatch,
			fmt.Sprintf("envelope checksum mismatch: expected %s, got %s", env.Checksum, got))
	}

	var state any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	restored, err := s.applyFieldPolicy(state, false)
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// Verify recomputes the envelope checksum without deserializing. It is the
// integrity check run by the pre-transfer validator.
func (s *StateSerializer) Verify(env *Envelope) error {
	if env == nil {
		return types.NewError(types.ErrChecksumMismatch, "nil envelope")
	}
	data := env.Data
	if env.Compressed {
		decompressed, err := gunzipBytes(data)
		if err != nil {
			return types.NewError(types.ErrChecksumMismatch, "decompress envelope").WithCause(err)
		}
		data = decompressed
	}
	if got := checksum(data); got != env.Checksum {
		return types.NewError(types.ErrChecksumMismatch,
			fmt.Sprintf("envelope checksum mismatch: expected %s, got %s", env.Checksum, got))
	}
	return nil
}

// applyFieldPolicy walks maps at any depth applying field serializers and,
// on the serialize side, redaction of sensitive field names.
func (s *StateSerializer) applyFieldPolicy(value any, serializing bool) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			s.mu.RLock()
			fs, hasField := s.fields[key]
			s.mu.RUnlock()

			if hasField {
				var converted any
				var err error
				if serializing {
					converted, err = fs.Serialize(val)
				} else {
					converted, err = fs.Deserialize(val)
				}
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", key, err)
				}
				out[key] = converted
				continue
			}

			if serializing && s.sensitive(key) {
				out[key] = redactedPlaceholder
				continue
			}

			converted, err := s.applyFieldPolicy(val, serializing)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			converted, err := s.applyFieldPolicy(item, serializing)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil

	default:
		return value, nil
	}
}

func (s *StateSerializer) sensitive(field string) bool {
	for _, re := range s.patterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

// normalize round-trips state through JSON so the serializer always works
// on map[string]any / []any / scalar shapes.
func normalize(state any) (any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
