package deploy

import "sync"

// tenantLocks serializes deployments per tenant within this process. The
// storage-level unique constraint on (tenant_id, code) remains the backstop
// for anything the lock cannot see.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the tenant's mutex and returns the release function.
func (l *tenantLocks) Acquire(tenantID string) func() {
	l.mu.Lock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
