package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/debtdesk/apiserver/internal/audit"
	"github.com/debtdesk/apiserver/types"
)

type memUsers struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]types.User
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[int]types.User{}}
}

func (m *memUsers) GetByID(_ context.Context, id int) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return types.User{}, types.ErrNotFound
	}
	return user, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.byID {
		if user.Email == email {
			return user, nil
		}
	}
	return types.User{}, types.ErrNotFound
}

func (m *memUsers) Create(_ context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	user.ID = m.nextID
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	m.byID[user.ID] = user
	return user, nil
}

func (m *memUsers) UpdateLastLogin(_ context.Context, id int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return types.ErrNotFound
	}
	user.LastLoginAt = &at
	m.byID[id] = user
	return nil
}

func (m *memUsers) SetActive(_ context.Context, id int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return types.ErrNotFound
	}
	user.IsActive = active
	m.byID[id] = user
	return nil
}

type memTokens struct {
	mu      sync.Mutex
	nextID  int64
	byToken map[string]types.RefreshToken
}

func newMemTokens() *memTokens {
	return &memTokens{byToken: map[string]types.RefreshToken{}}
}

func (m *memTokens) Create(_ context.Context, token types.RefreshToken) (types.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	token.ID = m.nextID
	m.byToken[token.Token] = token
	return token, nil
}

func (m *memTokens) GetByToken(_ context.Context, token string) (types.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byToken[token]
	if !ok {
		return types.RefreshToken{}, types.ErrNotFound
	}
	return stored, nil
}

func (m *memTokens) Rotate(_ context.Context, consumed string, next types.RefreshToken) (types.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[consumed]; !ok {
		return types.RefreshToken{}, types.ErrNotFound
	}
	delete(m.byToken, consumed)
	m.nextID++
	next.ID = m.nextID
	m.byToken[next.Token] = next
	return next, nil
}

func (m *memTokens) DeleteByToken(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[token]; !ok {
		return 0, nil
	}
	delete(m.byToken, token)
	return 1, nil
}

func (m *memTokens) DeleteByUserID(_ context.Context, userID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, token := range m.byToken {
		if token.UserID == userID {
			delete(m.byToken, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memTokens) count(userID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, token := range m.byToken {
		if token.UserID == userID {
			n++
		}
	}
	return n
}

type memAccounts struct {
	mu       sync.Mutex
	byNumber map[string]types.Account
	// raceOn makes Create report a duplicate for these numbers even though
	// ExistsByAccountNumber said they were free.
	raceOn  map[string]bool
	failOn  map[string]error
	creates int
	updates int
}

func newMemAccounts(existing ...string) *memAccounts {
	m := &memAccounts{
		byNumber: map[string]types.Account{},
		raceOn:   map[string]bool{},
		failOn:   map[string]error{},
	}
	for _, number := range existing {
		m.byNumber[number] = types.Account{AccountNumber: number, FirstName: "Existing", LastName: "Debtor"}
	}
	return m
}

func (m *memAccounts) ExistsByAccountNumber(_ context.Context, accountNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[accountNumber]; err != nil {
		return false, err
	}
	_, ok := m.byNumber[accountNumber]
	return ok, nil
}

func (m *memAccounts) Create(_ context.Context, account types.Account) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raceOn[account.AccountNumber] {
		m.byNumber[account.AccountNumber] = types.Account{AccountNumber: account.AccountNumber}
		return types.Account{}, types.ErrDuplicateAccount
	}
	if _, ok := m.byNumber[account.AccountNumber]; ok {
		return types.Account{}, types.ErrDuplicateAccount
	}
	m.creates++
	account.ID = int64(len(m.byNumber) + 1)
	m.byNumber[account.AccountNumber] = account
	return account, nil
}

func (m *memAccounts) UpdateByAccountNumber(_ context.Context, account types.Account) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byNumber[account.AccountNumber]; !ok {
		return types.Account{}, types.ErrNotFound
	}
	m.updates++
	m.byNumber[account.AccountNumber] = account
	return account, nil
}

func (m *memAccounts) get(number string) (types.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.byNumber[number]
	return account, ok
}

type memBatches struct {
	mu        sync.Mutex
	byID      map[string]types.UploadBatch
	created   []types.UploadBatch
	createErr error
}

func newMemBatches() *memBatches {
	return &memBatches{byID: map[string]types.UploadBatch{}}
}

func (m *memBatches) Create(_ context.Context, batch types.UploadBatch) (types.UploadBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return types.UploadBatch{}, m.createErr
	}
	m.byID[batch.BatchID] = batch
	m.created = append(m.created, batch)
	return batch, nil
}

func (m *memBatches) Finalize(_ context.Context, batch types.UploadBatch) (types.UploadBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[batch.BatchID]
	if !ok || stored.Status != types.BatchStatusProcessing {
		return types.UploadBatch{}, types.ErrNotFound
	}
	m.byID[batch.BatchID] = batch
	return batch, nil
}

func (m *memBatches) Get(_ context.Context, batchID string) (types.UploadBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.byID[batchID]
	if !ok {
		return types.UploadBatch{}, types.ErrNotFound
	}
	return batch, nil
}

func (m *memBatches) List(_ context.Context, userID *int, offset, limit int) ([]types.UploadBatch, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []types.UploadBatch
	for _, batch := range m.byID {
		if userID == nil || batch.UploadedBy == *userID {
			matched = append(matched, batch)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []types.UploadBatch{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return audit.Event{}
	}
	return r.events[len(r.events)-1]
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	values   []any
}

func (p *recordingPublisher) PublishJSON(_ context.Context, channel string, value any, _ map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.values = append(p.values, value)
	return "1", nil
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string][]byte{}}
}

func (a *memArchive) SaveUpload(_ context.Context, batchID string, _ int, fileName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := "bulk-uploads/" + batchID + "/" + fileName
	a.objects[key] = data
	return key, nil
}

func (a *memArchive) DeleteUpload(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	a.deleted = append(a.deleted, key)
	return nil
}
