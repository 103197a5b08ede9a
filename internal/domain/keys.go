package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// API Key Pool
// =============================================================================

// KeyStatus is the health of a single credential.
type KeyStatus string

const (
	KeyValid       KeyStatus = "valid"
	KeyRateLimited KeyStatus = "rate_limited"
	KeyInvalid     KeyStatus = "invalid"
)

// APIKey is one credential in a provider's pool. ResetTime is only meaningful
// while Status is KeyRateLimited.
type APIKey struct {
	Secret     string
	Status     KeyStatus
	ResetTime  *time.Time
	LastUsed   *time.Time
	ErrorCount int
}

// Timestamps are stored as Unix milliseconds so records stay readable by the
// desktop shell, which writes the same store.
type apiKeyJSON struct {
	Key        string    `json:"key"`
	Status     KeyStatus `json:"status"`
	ResetTime  int64     `json:"resetTime,omitempty"`
	LastUsed   int64     `json:"lastUsed,omitempty"`
	ErrorCount int       `json:"errorCount"`
}

func (k APIKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(apiKeyJSON{
		Key:        k.Secret,
		Status:     k.Status,
		ResetTime:  toMillis(k.ResetTime),
		LastUsed:   toMillis(k.LastUsed),
		ErrorCount: k.ErrorCount,
	})
}

func (k *APIKey) UnmarshalJSON(data []byte) error {
	var aux apiKeyJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	k.Secret = aux.Key
	k.Status = aux.Status
	if k.Status == "" {
		k.Status = KeyValid
	}
	k.ResetTime = fromMillis(aux.ResetTime)
	k.LastUsed = fromMillis(aux.LastUsed)
	k.ErrorCount = aux.ErrorCount
	return nil
}

// Clone returns a deep copy; the time pointers are not shared.
func (k APIKey) Clone() APIKey {
	out := k
	out.ResetTime = cloneTime(k.ResetTime)
	out.LastUsed = cloneTime(k.LastUsed)
	return out
}

// KeyManagerState is the persisted snapshot of a key pool.
type KeyManagerState struct {
	Keys             []APIKey
	ActiveKeyIndex   int
	LastRotationTime time.Time
}

type keyManagerStateJSON struct {
	Keys             []APIKey `json:"keys"`
	ActiveKeyIndex   int      `json:"activeKeyIndex"`
	LastRotationTime int64    `json:"lastRotationTime"`
}

func (s KeyManagerState) MarshalJSON() ([]byte, error) {
	keys := s.Keys
	if keys == nil {
		keys = []APIKey{}
	}
	var rotated int64
	if !s.LastRotationTime.IsZero() {
		rotated = s.LastRotationTime.UnixMilli()
	}
	return json.Marshal(keyManagerStateJSON{
		Keys:             keys,
		ActiveKeyIndex:   s.ActiveKeyIndex,
		LastRotationTime: rotated,
	})
}

func (s *KeyManagerState) UnmarshalJSON(data []byte) error {
	var aux keyManagerStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Keys = aux.Keys
	s.ActiveKeyIndex = aux.ActiveKeyIndex
	s.LastRotationTime = time.Time{}
	if aux.LastRotationTime > 0 {
		s.LastRotationTime = time.UnixMilli(aux.LastRotationTime)
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s KeyManagerState) Clone() KeyManagerState {
	out := s
	out.Keys = CloneKeys(s.Keys)
	return out
}

// ProviderRecord is the durable configuration record of one provider
// namespace. APIKeys and ActiveKeyIndex are denormalized from KeyManagerState
// for readers that predate the snapshot.
type ProviderRecord struct {
	APIKeys         []string         `json:"apiKeys"`
	ActiveKeyIndex  int              `json:"activeKeyIndex"`
	KeyManagerState *KeyManagerState `json:"keyManagerState,omitempty"`
	Model           string           `json:"model,omitempty"`
	BaseURL         string           `json:"baseURL,omitempty"`
}

// KeyPoolState is delivered to key manager subscribers after every mutation.
type KeyPoolState struct {
	Namespace   string
	Keys        []APIKey
	ActiveIndex int
}

// KeyStatusView is the masked, UI-safe view of one key.
type KeyStatusView struct {
	MaskedKey      string        `json:"maskedKey"`
	Status         KeyStatus     `json:"status"`
	ResetTime      *time.Time    `json:"resetTime,omitempty"`
	TimeUntilReset time.Duration `json:"timeUntilReset"`
	IsActive       bool          `json:"isActive"`
}

// CloneKeys deep-copies a key slice. A nil input yields an empty slice.
func CloneKeys(keys []APIKey) []APIKey {
	out := make([]APIKey, len(keys))
	for i, k := range keys {
		out[i] = k.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func toMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
