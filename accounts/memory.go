package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a concurrency-safe in-process [Store].
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	emails   map[string]*Email
	devices  map[string]map[string]Device
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty [Memory] store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		emails:   make(map[string]*Email),
		devices:  make(map[string]map[string]Device),
	}
}

func cloneAccount(a *Account) *Account {
	c := *a
	c.AuthSalt = append([]byte(nil), a.AuthSalt...)
	c.VerifyHash = append([]byte(nil), a.VerifyHash...)
	c.WrapWrapKb = append([]byte(nil), a.WrapWrapKb...)
	c.KA = append([]byte(nil), a.KA...)
	return &c
}

func (m *Memory) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	norm := NormalizeEmail(a.PrimaryEmail)
	if _, ok := m.emails[norm]; ok {
		return ErrEmailTaken
	}
	if _, ok := m.accounts[a.UID]; ok {
		return ErrEmailTaken
	}
	stored := cloneAccount(a)
	stored.PrimaryEmail = norm
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.accounts[a.UID] = stored
	m.emails[norm] = &Email{
		Email:      norm,
		UID:        a.UID,
		IsPrimary:  true,
		IsVerified: a.EmailVerified,
		CreatedAt:  stored.CreatedAt,
	}
	return nil
}

func (m *Memory) AccountRecord(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.emails[NormalizeEmail(email)]
	if !ok {
		return nil, ErrUnknownAccount
	}
	a, ok := m.accounts[e.UID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return cloneAccount(a), nil
}

func (m *Memory) Account(_ context.Context, uid string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[uid]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return cloneAccount(a), nil
}

func (m *Memory) Emails(_ context.Context, uid string) ([]Email, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[uid]; !ok {
		return nil, ErrUnknownAccount
	}
	var out []Email
	for _, e := range m.emails {
		if e.UID == uid {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

func (m *Memory) AddEmail(_ context.Context, uid, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[uid]; !ok {
		return ErrUnknownAccount
	}
	norm := NormalizeEmail(email)
	if _, ok := m.emails[norm]; ok {
		return ErrEmailTaken
	}
	m.emails[norm] = &Email{Email: norm, UID: uid, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) ResetAccount(_ context.Context, uid string, data ResetData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownAccount
	}
	a.AuthSalt = append([]byte(nil), data.AuthSalt...)
	a.VerifyHash = append([]byte(nil), data.VerifyHash...)
	a.WrapWrapKb = append([]byte(nil), data.WrapWrapKb...)
	a.VerifierVersion = data.VerifierVersion
	a.VerifierSetAt = data.VerifierSetAt
	delete(m.devices, uid)
	return nil
}

func (m *Memory) SetTOTP(_ context.Context, uid, secret string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownAccount
	}
	if a.TOTPSecret != secret {
		a.TOTPLastCounter = 0
	}
	a.TOTPSecret = secret
	a.TOTPEnabled = enabled
	return nil
}

func (m *Memory) UpdateTOTPLastUsedCounter(_ context.Context, uid string, counter int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[uid]
	if !ok {
		return ErrUnknownAccount
	}
	if counter <= a.TOTPLastCounter {
		return ErrTOTPCounterUsed
	}
	a.TOTPLastCounter = counter
	return nil
}

func (m *Memory) Devices(_ context.Context, uid string) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, len(m.devices[uid]))
	for _, d := range m.devices[uid] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[d.UID]; !ok {
		return ErrUnknownAccount
	}
	if m.devices[d.UID] == nil {
		m.devices[d.UID] = make(map[string]Device)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.devices[d.UID][d.ID] = d
	return nil
}

func (m *Memory) Close() error { return nil }
