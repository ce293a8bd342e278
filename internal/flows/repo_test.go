package flows

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/policybot/internal/policies"
)

// fakeRepo is an in-memory policies.Repository.
type fakeRepo struct {
	mu   sync.Mutex
	byNo map[string]*policies.Policy
	now  func() time.Time
}

func newFakeRepo(now func() time.Time) *fakeRepo {
	return &fakeRepo{byNo: make(map[string]*policies.Policy), now: now}
}

func (r *fakeRepo) put(p *policies.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNo[p.Number] = p
}

func (r *fakeRepo) get(number string) *policies.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byNo[number]
}

func (r *fakeRepo) live(number string) (*policies.Policy, error) {
	p, ok := r.byNo[policies.NormalizeNumber(number)]
	if !ok || p.Deleted {
		return nil, policies.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) Create(_ context.Context, p *policies.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Number = policies.NormalizeNumber(p.Number)
	if _, ok := r.byNo[p.Number]; ok {
		return policies.ErrDuplicate
	}
	p.CreatedAt = r.now()
	r.byNo[p.Number] = p
	return nil
}

func (r *fakeRepo) FindByNumber(_ context.Context, number string) (*policies.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.live(number)
	if err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

func (r *fakeRepo) Search(_ context.Context, query string, limit int) ([]policies.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := strings.ToLower(query)
	var out []policies.Policy
	for _, p := range r.byNo {
		if p.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(p.Number), q) || strings.Contains(strings.ToLower(p.Holder), q) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) UpdateField(_ context.Context, number string, field policies.Field, value string) error {
	set, err := policies.FieldUpdate(field, value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.live(number)
	if err != nil {
		return err
	}
	v := set[string(field)]
	switch field {
	case policies.FieldHolder:
		p.Holder = v.(string)
	case policies.FieldInsurer:
		p.Insurer = v.(string)
	case policies.FieldStartDate:
		p.StartDate = v.(time.Time)
	case policies.FieldPhone:
		s := v.(string)
		p.Phone = &s
	case policies.FieldOrigin:
		s := v.(string)
		p.Origin = &s
	case policies.FieldDestination:
		s := v.(string)
		p.Destination = &s
	}
	return nil
}

func (r *fakeRepo) AddPayment(_ context.Context, number string, pay policies.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.live(number)
	if err != nil {
		return err
	}
	p.Payments = append(p.Payments, pay)
	return nil
}

func (r *fakeRepo) AddService(_ context.Context, number string, svc policies.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.live(number)
	if err != nil {
		return err
	}
	p.Services = append(p.Services, svc)
	return nil
}

func (r *fakeRepo) SoftDelete(_ context.Context, numbers []string, batch string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, number := range numbers {
		p, err := r.live(number)
		if err != nil {
			continue
		}
		at := r.now()
		p.Deleted, p.DeletedAt, p.DeleteBatch = true, &at, batch
		n++
	}
	return n, nil
}

func (r *fakeRepo) Restore(_ context.Context, batch string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.byNo {
		if p.Deleted && p.DeleteBatch == batch {
			p.Deleted, p.DeletedAt, p.DeleteBatch = false, nil, ""
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) Stats(ctx context.Context) (policies.Stats, error) {
	all, _ := r.All(ctx)
	return policies.Summarize(all, r.now()), nil
}

func (r *fakeRepo) All(_ context.Context) ([]policies.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]policies.Policy, 0, len(r.byNo))
	for _, p := range r.byNo {
		if !p.Deleted {
			out = append(out, *p)
		}
	}
	return out, nil
}

var _ policies.Repository = (*fakeRepo)(nil)
