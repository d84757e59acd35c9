package billing

// In-memory stand-in for the billing tables, dispatching on the repository
// SQL. A single mutex plays the role of the row locks: a transaction that
// touches state holds it until commit or rollback, which preserves the
// serialization the charge state machine relies on.

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rewritely/internal/types"
)

type memDB struct {
	mu       sync.Mutex
	nextID   int64
	subs     map[int64]*types.Subscription
	methods  map[int64]*types.PaymentMethod
	attempts map[string]*types.PaymentAttempt // keyed by order id
	idemKeys map[string]bool
	events   map[string]*types.WebhookEvent // keyed by event id
}

func newMemDB() *memDB {
	return &memDB{
		subs:     make(map[int64]*types.Subscription),
		methods:  make(map[int64]*types.PaymentMethod),
		attempts: make(map[string]*types.PaymentAttempt),
		idemKeys: make(map[string]bool),
		events:   make(map[string]*types.WebhookEvent),
	}
}

func (m *memDB) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memDB) addMethod(pm types.PaymentMethod) int64 {
	pm.ID = m.id()
	m.methods[pm.ID] = &pm
	return pm.ID
}

func (m *memDB) addSub(s types.Subscription) int64 {
	s.ID = m.id()
	m.subs[s.ID] = &s
	return s.ID
}

func (m *memDB) attempt(orderID string) *types.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[orderID]
}

func (m *memDB) attemptsFor(subID int64) []*types.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.PaymentAttempt
	for _, a := range m.attempts {
		if a.SubscriptionID == subID {
			out = append(out, a)
		}
	}
	return out
}

func (m *memDB) sub(id int64) types.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subs[id]
}

func (m *memDB) method(id int64) types.PaymentMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.methods[id]
}

func (m *memDB) dueAt(now time.Time, s *types.Subscription) bool {
	if s.Status != types.SubStatusActive && s.Status != types.SubStatusPastDue {
		return false
	}
	if s.CancelAtPeriodEnd {
		return false
	}
	if s.RetryAt != nil {
		return !s.RetryAt.After(now)
	}
	return s.NextChargeAt != nil && !s.NextChargeAt.After(now)
}

// Pool implementation.

type memBillingPool struct {
	db *memDB
}

func (p *memBillingPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &memBillingTx{db: p.db}, nil
}

func (p *memBillingPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx := &memBillingTx{db: p.db}
	defer tx.release()
	return tx.Exec(ctx, sql, args...)
}

func (p *memBillingPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tx := &memBillingTx{db: p.db}
	defer tx.release()
	return tx.Query(ctx, sql, args...)
}

func (p *memBillingPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	tx := &memBillingTx{db: p.db}
	defer tx.release()
	return tx.QueryRow(ctx, sql, args...)
}

type memBillingTx struct {
	pgx.Tx
	db     *memDB
	locked bool
}

func (t *memBillingTx) acquire() {
	if !t.locked {
		t.db.mu.Lock()
		t.locked = true
	}
}

func (t *memBillingTx) release() {
	if t.locked {
		t.db.mu.Unlock()
		t.locked = false
	}
}

func (t *memBillingTx) Commit(ctx context.Context) error   { t.release(); return nil }
func (t *memBillingTx) Rollback(ctx context.Context) error { t.release(); return nil }

func (t *memBillingTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.acquire()
	db := t.db
	switch {
	case strings.Contains(sql, "FROM subscriptions") && strings.Contains(sql, "FOR UPDATE SKIP LOCKED"):
		s, ok := db.subs[args[0].(int64)]
		if !ok || !db.dueAt(args[1].(time.Time), s) {
			return errRow{pgx.ErrNoRows}
		}
		return subRow{s}
	case strings.Contains(sql, "FROM subscriptions WHERE id ="):
		s, ok := db.subs[args[0].(int64)]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return subRow{s}
	case strings.Contains(sql, "status IN ('active', 'past_due')") && strings.Contains(sql, "ORDER BY created_at"):
		var best *types.Subscription
		for _, s := range db.subs {
			if s.UserID != args[0].(string) {
				continue
			}
			if s.Status != types.SubStatusActive && s.Status != types.SubStatusPastDue {
				continue
			}
			if best == nil || s.CreatedAt.After(best.CreatedAt) {
				best = s
			}
		}
		if best == nil {
			return errRow{pgx.ErrNoRows}
		}
		return subRow{best}
	case strings.Contains(sql, "INSERT INTO subscriptions"):
		// The partial unique index permits one non-terminal subscription per
		// user.
		for _, existing := range db.subs {
			if existing.UserID != args[0].(string) {
				continue
			}
			switch existing.Status {
			case types.SubStatusActive, types.SubStatusPastDue, types.SubStatusIncomplete:
				return errRow{&pgconn.PgError{Code: "23505"}}
			}
		}
		s := &types.Subscription{
			UserID: args[0].(string), Status: args[1].(types.SubscriptionStatus),
			PlanName: args[2].(string), PlanAmount: args[3].(int64), Currency: args[4].(string),
			AnchorDay: args[5].(int), CreatedAt: time.Now().UTC(),
		}
		if v, ok := args[6].(*time.Time); ok {
			s.CurrentPeriodStart = v
		}
		if v, ok := args[7].(*time.Time); ok {
			s.CurrentPeriodEnd = v
		}
		if v, ok := args[8].(*time.Time); ok {
			s.NextChargeAt = v
		}
		if v, ok := args[9].(*int64); ok {
			s.PaymentMethodID = v
		}
		s.ID = db.id()
		db.subs[s.ID] = s
		return idRow{s.ID}
	case strings.Contains(sql, "FROM payment_methods WHERE id"):
		pm, ok := db.methods[args[0].(int64)]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return methodRow{pm}
	case strings.Contains(sql, "INSERT INTO payment_methods"):
		pm := types.PaymentMethod{
			UserID: args[0].(string), Provider: args[1].(string),
			BillingKey: args[2].(string), Status: types.PaymentMethodActive,
			CreatedAt: time.Now().UTC(),
		}
		if md, ok := args[3].(types.JSONMap); ok {
			pm.Metadata = md
		}
		return idRow{db.addMethod(pm)}
	case strings.Contains(sql, "INSERT INTO payment_attempts"):
		orderID, idem := args[3].(string), args[4].(string)
		if db.idemKeys[idem] {
			return errRow{&pgconn.PgError{Code: "23505"}}
		}
		if _, exists := db.attempts[orderID]; exists {
			return errRow{&pgconn.PgError{Code: "23505"}}
		}
		a := &types.PaymentAttempt{
			ID: db.id(), UserID: args[0].(string), SubscriptionID: args[1].(int64),
			Provider: args[2].(string), OrderID: orderID, IdempotencyKey: idem,
			Amount: args[5].(int64), Currency: args[6].(string),
			Status: types.PaymentPending, CreatedAt: time.Now().UTC(),
		}
		if raw, ok := args[7].(types.JSONMap); ok {
			a.RawRequest = raw
		}
		db.attempts[orderID] = a
		db.idemKeys[idem] = true
		return idRow{a.ID}
	case strings.Contains(sql, "FROM payment_attempts WHERE order_id"):
		a, ok := db.attempts[args[0].(string)]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return attemptRow{a}
	case strings.Contains(sql, "SELECT COUNT(*) FROM payment_attempts"):
		n := 0
		for _, a := range db.attempts {
			if a.SubscriptionID == args[0].(int64) {
				n++
			}
		}
		return countRow{n}
	case strings.Contains(sql, "INSERT INTO webhook_events"):
		eventID := args[1].(string)
		if _, exists := db.events[eventID]; exists {
			return errRow{&pgconn.PgError{Code: "23505"}}
		}
		e := &types.WebhookEvent{
			ID: db.id(), Provider: args[0].(string), EventID: eventID,
			EventType: args[2].(string), SignatureValid: args[3].(bool),
			ReceivedAt: time.Now().UTC(),
		}
		if p, ok := args[4].(types.JSONMap); ok {
			e.Payload = p
		}
		db.events[eventID] = e
		return idRow{e.ID}
	case strings.Contains(sql, "FROM webhook_events WHERE event_id"):
		e, ok := db.events[args[0].(string)]
		if !ok {
			return errRow{pgx.ErrNoRows}
		}
		return eventRow{e}
	}
	panic("unexpected query: " + sql)
}

func (t *memBillingTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.acquire()
	db := t.db
	tag := func(n int) (pgconn.CommandTag, error) {
		if n == 0 {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	switch {
	case strings.Contains(sql, "SET status = 'captured'"):
		a, ok := db.attempts[args[0].(string)]
		if !ok || a.Status != types.PaymentPending {
			return tag(0)
		}
		a.Status = types.PaymentCaptured
		a.TransactionID = args[1].(string)
		if raw, ok := args[2].(types.JSONMap); ok {
			a.RawResponse = raw
		}
		return tag(1)
	case strings.Contains(sql, "SET status = 'failed'"):
		a, ok := db.attempts[args[0].(string)]
		if !ok || a.Status != types.PaymentPending {
			return tag(0)
		}
		a.Status = types.PaymentFailed
		a.FailureCode = args[1].(string)
		a.FailureMessage = args[2].(string)
		return tag(1)
	case strings.Contains(sql, "AND (status = 'pending' OR (status = 'captured'"):
		a, ok := db.attempts[args[0].(string)]
		if !ok {
			return tag(0)
		}
		next := args[1].(types.PaymentStatus)
		if a.Status == types.PaymentPending ||
			(a.Status == types.PaymentCaptured && next == types.PaymentRefunded) {
			a.Status = next
			if tid := args[2].(string); tid != "" {
				a.TransactionID = tid
			}
			return tag(1)
		}
		return tag(0)
	case strings.Contains(sql, "SET status = 'active',"):
		s, ok := db.subs[args[0].(int64)]
		if !ok {
			return tag(0)
		}
		s.Status = types.SubStatusActive
		s.AnchorDay = args[1].(int)
		ps, pe, next := args[2].(time.Time), args[3].(time.Time), args[4].(time.Time)
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.NextChargeAt = &ps, &pe, &next
		s.FailCount = 0
		s.RetryAt, s.LastFailedAt = nil, nil
		return tag(1)
	case strings.Contains(sql, "SET status = 'past_due',"):
		s, ok := db.subs[args[0].(int64)]
		if !ok {
			return tag(0)
		}
		s.Status = types.SubStatusPastDue
		s.FailCount = args[1].(int)
		retryAt, failedAt := args[2].(time.Time), args[3].(time.Time)
		s.RetryAt, s.LastFailedAt = &retryAt, &failedAt
		return tag(1)
	case strings.Contains(sql, "SET status = 'canceled',") && strings.Contains(sql, "fail_count = $2"):
		s, ok := db.subs[args[0].(int64)]
		if !ok {
			return tag(0)
		}
		s.Status = types.SubStatusCanceled
		s.FailCount = args[1].(int)
		at := args[2].(time.Time)
		s.CanceledAt, s.LastFailedAt = &at, &at
		s.RetryAt = nil
		s.CancelAtPeriodEnd = true
		return tag(1)
	case strings.Contains(sql, "SET cancel_at_period_end = false"):
		s, ok := db.subs[args[0].(int64)]
		if !ok || !s.CancelAtPeriodEnd ||
			(s.Status != types.SubStatusActive && s.Status != types.SubStatusPastDue) {
			return tag(0)
		}
		s.CancelAtPeriodEnd = false
		return tag(1)
	case strings.Contains(sql, "SET cancel_at_period_end = true"):
		s, ok := db.subs[args[0].(int64)]
		if !ok || (s.Status != types.SubStatusActive && s.Status != types.SubStatusPastDue) {
			return tag(0)
		}
		s.CancelAtPeriodEnd = true
		s.RetryAt = nil
		return tag(1)
	case strings.Contains(sql, "WHERE id IN ("):
		now := args[0].(time.Time)
		n := 0
		for _, s := range db.subs {
			if (s.Status == types.SubStatusActive || s.Status == types.SubStatusPastDue) &&
				s.CancelAtPeriodEnd && s.NextChargeAt != nil && !s.NextChargeAt.After(now) {
				s.Status = types.SubStatusCanceled
				at := now
				s.CanceledAt = &at
				s.RetryAt = nil
				n++
			}
		}
		return tag(n)
	case strings.Contains(sql, "UPDATE payment_methods SET status = 'inactive'") && strings.Contains(sql, "WHERE id ="):
		pm, ok := db.methods[args[0].(int64)]
		if !ok {
			return tag(0)
		}
		pm.Status = types.PaymentMethodInactive
		return tag(1)
	case strings.Contains(sql, "UPDATE payment_methods SET status = 'inactive'"):
		n := 0
		for _, pm := range db.methods {
			if pm.UserID == args[0].(string) && pm.Status == types.PaymentMethodActive {
				pm.Status = types.PaymentMethodInactive
				n++
			}
		}
		return tag(n)
	case strings.Contains(sql, "SET processed = true"):
		e, ok := db.events[args[0].(string)]
		if !ok {
			return tag(0)
		}
		e.Processed = true
		at := args[1].(time.Time)
		e.ProcessedAt = &at
		return tag(1)
	}
	panic("unexpected exec: " + sql)
}

func (t *memBillingTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.acquire()
	if strings.Contains(sql, "SELECT s.id") {
		now := args[0].(time.Time)
		var ids []int64
		for _, s := range t.db.subs {
			if !t.db.dueAt(now, s) || s.PaymentMethodID == nil {
				continue
			}
			pm, ok := t.db.methods[*s.PaymentMethodID]
			if !ok || pm.Status != types.PaymentMethodActive || pm.BillingKey == "" {
				continue
			}
			ids = append(ids, s.ID)
		}
		return &idRows{ids: ids}, nil
	}
	panic("unexpected query: " + sql)
}

// Row and Rows fakes.

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type idRow struct{ id int64 }

func (r idRow) Scan(dest ...any) error {
	*dest[0].(*int64) = r.id
	return nil
}

type countRow struct{ n int }

func (r countRow) Scan(dest ...any) error {
	*dest[0].(*int) = r.n
	return nil
}

type subRow struct{ s *types.Subscription }

func (r subRow) Scan(dest ...any) error {
	s := *r.s
	*dest[0].(*int64) = s.ID
	*dest[1].(*string) = s.UserID
	*dest[2].(*types.SubscriptionStatus) = s.Status
	*dest[3].(*string) = s.PlanName
	*dest[4].(*int64) = s.PlanAmount
	*dest[5].(*string) = s.Currency
	*dest[6].(*int) = s.AnchorDay
	*dest[7].(**time.Time) = s.CurrentPeriodStart
	*dest[8].(**time.Time) = s.CurrentPeriodEnd
	*dest[9].(**time.Time) = s.NextChargeAt
	*dest[10].(**int64) = s.PaymentMethodID
	*dest[11].(*int) = s.FailCount
	*dest[12].(**time.Time) = s.RetryAt
	*dest[13].(**time.Time) = s.LastFailedAt
	*dest[14].(*bool) = s.CancelAtPeriodEnd
	*dest[15].(**time.Time) = s.CanceledAt
	*dest[16].(*time.Time) = s.CreatedAt
	return nil
}

type methodRow struct{ pm *types.PaymentMethod }

func (r methodRow) Scan(dest ...any) error {
	pm := *r.pm
	*dest[0].(*int64) = pm.ID
	*dest[1].(*string) = pm.UserID
	*dest[2].(*string) = pm.Provider
	*dest[3].(*string) = pm.BillingKey
	*dest[4].(*types.PaymentMethodStatus) = pm.Status
	*dest[5].(*types.JSONMap) = pm.Metadata
	*dest[6].(*time.Time) = pm.CreatedAt
	return nil
}

type attemptRow struct{ a *types.PaymentAttempt }

func (r attemptRow) Scan(dest ...any) error {
	a := *r.a
	*dest[0].(*int64) = a.ID
	*dest[1].(*string) = a.UserID
	*dest[2].(*int64) = a.SubscriptionID
	*dest[3].(*string) = a.Provider
	*dest[4].(*string) = a.OrderID
	*dest[5].(*string) = a.IdempotencyKey
	*dest[6].(*int64) = a.Amount
	*dest[7].(*string) = a.Currency
	*dest[8].(*types.PaymentStatus) = a.Status
	*dest[9].(*string) = a.TransactionID
	*dest[10].(*string) = a.FailureCode
	*dest[11].(*string) = a.FailureMessage
	*dest[12].(*types.JSONMap) = a.RawRequest
	*dest[13].(*types.JSONMap) = a.RawResponse
	*dest[14].(*time.Time) = a.CreatedAt
	return nil
}

type eventRow struct{ e *types.WebhookEvent }

func (r eventRow) Scan(dest ...any) error {
	e := *r.e
	*dest[0].(*int64) = e.ID
	*dest[1].(*string) = e.Provider
	*dest[2].(*string) = e.EventID
	*dest[3].(*string) = e.EventType
	*dest[4].(*bool) = e.SignatureValid
	*dest[5].(*types.JSONMap) = e.Payload
	*dest[6].(*bool) = e.Processed
	*dest[7].(**time.Time) = e.ProcessedAt
	*dest[8].(*time.Time) = e.ReceivedAt
	return nil
}

type idRows struct {
	ids []int64
	pos int
}

func (r *idRows) Close()                                       {}
func (r *idRows) Err() error                                   { return nil }
func (r *idRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *idRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *idRows) Next() bool {
	r.pos++
	return r.pos <= len(r.ids)
}
func (r *idRows) Scan(dest ...any) error {
	*dest[0].(*int64) = r.ids[r.pos-1]
	return nil
}
func (r *idRows) Values() ([]any, error) { return nil, nil }
func (r *idRows) RawValues() [][]byte    { return nil }
func (r *idRows) Conn() *pgx.Conn        { return nil }
