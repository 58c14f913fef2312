package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"cv-match-go/internal/constants"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/storage/models"
)

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: make(map[string]*models.Profile)}
}

func (s *fakeStore) CreateProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	copied := *p
	s.profiles[p.ProfileID] = &copied
	return nil
}

func (s *fakeStore) GetProfileByID(_ context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *fakeStore) GetActiveProfile(_ context.Context) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Profile
	for _, p := range s.profiles {
		if !p.Active {
			continue
		}
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *newest
	return &copied, nil
}

func (s *fakeStore) ActivateProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.profiles[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for _, p := range s.profiles {
		if p.Owner == target.Owner {
			p.Active = false
		}
	}
	target.Active = true
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	cached      *models.Profile
	invalidated int
	reads       int
}

func (c *fakeCache) CacheActiveProfile(_ context.Context, p *models.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *p
	c.cached = &copied
	return nil
}

func (c *fakeCache) GetCachedActiveProfile(_ context.Context) (*models.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.cached == nil {
		return nil, storage.ErrNotFound
	}
	copied := *c.cached
	return &copied, nil
}

func (c *fakeCache) InvalidateActiveProfile(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.invalidated++
	return nil
}

type published struct {
	exchange   string
	routingKey string
	payload    interface{}
	persistent bool
}

type fakePublisher struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   []string
	messages   []published
	publishErr error
}

func (p *fakePublisher) EnsureExchange(name, kind string, durable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, name+"/"+kind)
	return nil
}

func (p *fakePublisher) EnsureQueue(name string, durable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = append(p.queues, name)
	return nil
}

func (p *fakePublisher) BindQueue(queue, exchange, routingKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = append(p.bindings, queue+"<-"+exchange+":"+routingKey)
	return nil
}

func (p *fakePublisher) PublishJSON(_ context.Context, exchange, routingKey string, data interface{}, persistent bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.messages = append(p.messages, published{exchange, routingKey, data, persistent})
	return nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
	texts  []string
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	return e.vector, nil
}

func (e *fakeEmbedder) Model() string { return "test-embedder" }

func testInput() CreateInput {
	return CreateInput{
		Owner:      "rrhh@example.com",
		Position:   "Desarrollador Backend",
		Education:  []string{"universidad"},
		Attributes: []string{"python", "base de datos"},
		Experience: []string{"liderazgo"},
		Languages:  []string{"ingles"},
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("persists the profile with its embedding", func(t *testing.T) {
		store := newFakeStore()
		embedder := &fakeEmbedder{vector: []float32{0.1, 0.9}}
		svc := NewService(store, nil, nil, embedder)

		got, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NotEmpty(t, got.ProfileID)
		assert.False(t, got.Active)

		persisted, err := store.GetProfileByID(ctx, got.ProfileID)
		require.NoError(t, err)
		assert.Equal(t, "Desarrollador Backend", persisted.Position)

		attrs, err := models.JSONToStrings(persisted.RequiredAttributes)
		require.NoError(t, err)
		assert.Equal(t, []string{"python", "base de datos"}, attrs)

		vector, err := models.JSONToVector(persisted.Vector)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.1, 0.9}, vector)

		require.Len(t, embedder.texts, 1)
		assert.Contains(t, embedder.texts[0], "puesto: Desarrollador Backend")
		assert.Contains(t, embedder.texts[0], "habilidades: python, base de datos")
	})

	t.Run("requires a position", func(t *testing.T) {
		svc := NewService(newFakeStore(), nil, nil, nil)
		_, err := svc.Create(ctx, CreateInput{Owner: "x"})
		assert.Error(t, err)
	})

	t.Run("embedding failure degrades to a vectorless profile", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, nil, &fakeEmbedder{err: errors.New("provider down")})

		got, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		vector, err := models.JSONToVector(got.Vector)
		require.NoError(t, err)
		assert.Nil(t, vector)
	})

	t.Run("activate on create schedules a rebuild", func(t *testing.T) {
		store := newFakeStore()
		cache := &fakeCache{}
		pub := &fakePublisher{}
		svc := NewService(store, cache, pub, nil)

		input := testInput()
		input.Activate = true
		got, err := svc.Create(ctx, input)
		require.NoError(t, err)
		assert.True(t, got.Active)

		active, err := store.GetActiveProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, got.ProfileID, active.ProfileID)

		require.Len(t, pub.messages, 1)
		msg := pub.messages[0]
		assert.Equal(t, constants.RebuildExchangeName, msg.exchange)
		assert.Equal(t, constants.RebuildRoutingKey, msg.routingKey)
		assert.True(t, msg.persistent)
		task, ok := msg.payload.(storage.RebuildTask)
		require.True(t, ok)
		assert.Equal(t, got.ProfileID, task.ProfileID)
		assert.Equal(t, "profile_created", task.Reason)

		assert.Equal(t, 1, cache.invalidated)
	})
}

func TestActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("switches the active profile", func(t *testing.T) {
		store := newFakeStore()
		pub := &fakePublisher{}
		svc := NewService(store, nil, pub, nil)

		first, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		second, err := svc.Create(ctx, testInput())
		require.NoError(t, err)

		require.NoError(t, svc.Activate(ctx, first.ProfileID))
		require.NoError(t, svc.Activate(ctx, second.ProfileID))

		active, err := store.GetActiveProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ProfileID, active.ProfileID)

		require.Len(t, pub.messages, 2)
		task := pub.messages[1].payload.(storage.RebuildTask)
		assert.Equal(t, "profile_activated", task.Reason)
	})

	t.Run("deactivation stays within the owner", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, &fakePublisher{}, nil)

		theirs := testInput()
		theirs.Owner = "seleccion@example.com"
		other, err := svc.Create(ctx, theirs)
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, other.ProfileID))

		mine, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, mine.ProfileID))

		// The other owner's active profile must survive our activation.
		persisted, err := store.GetProfileByID(ctx, other.ProfileID)
		require.NoError(t, err)
		assert.True(t, persisted.Active)
	})

	t.Run("unknown profile fails", func(t *testing.T) {
		svc := NewService(newFakeStore(), nil, &fakePublisher{}, nil)
		assert.Error(t, svc.Activate(ctx, "missing"))
	})

	t.Run("publish failure does not undo activation", func(t *testing.T) {
		store := newFakeStore()
		pub := &fakePublisher{publishErr: errors.New("broker down")}
		svc := NewService(store, nil, pub, nil)

		got, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, got.ProfileID))

		active, err := store.GetActiveProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, got.ProfileID, active.ProfileID)
	})

	t.Run("activation drops the cached profile", func(t *testing.T) {
		store := newFakeStore()
		cache := &fakeCache{}
		svc := NewService(store, cache, &fakePublisher{}, nil)

		stale, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, stale.ProfileID))
		_, err = svc.GetActive(ctx)
		require.NoError(t, err)
		require.NotNil(t, cache.cached)

		fresh, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, fresh.ProfileID))
		assert.Nil(t, cache.cached)
	})
}

func TestGetActive(t *testing.T) {
	ctx := context.Background()

	t.Run("reads through the cache", func(t *testing.T) {
		store := newFakeStore()
		cache := &fakeCache{}
		svc := NewService(store, cache, &fakePublisher{}, nil)

		got, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, got.ProfileID))

		// First read misses and repopulates; second one hits.
		first, err := svc.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, got.ProfileID, first.ProfileID)
		require.NotNil(t, cache.cached)

		second, err := svc.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, got.ProfileID, second.ProfileID)
		assert.Equal(t, 2, cache.reads)
	})

	t.Run("no active profile", func(t *testing.T) {
		svc := NewService(newFakeStore(), &fakeCache{}, nil, nil)
		_, err := svc.GetActive(ctx)
		assert.ErrorIs(t, err, ErrNoActiveProfile)
	})

	t.Run("works without a cache", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, &fakePublisher{}, nil)
		got, err := svc.Create(ctx, testInput())
		require.NoError(t, err)
		require.NoError(t, svc.Activate(ctx, got.ProfileID))

		active, err := svc.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, got.ProfileID, active.ProfileID)
	})
}

func TestRequestRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("declares topology before publishing", func(t *testing.T) {
		pub := &fakePublisher{}
		svc := NewService(newFakeStore(), nil, pub, nil)

		require.NoError(t, svc.RequestRebuild(ctx, "p1", "manual"))
		assert.Equal(t, []string{constants.RebuildExchangeName + "/direct"}, pub.exchanges)
		assert.Equal(t, []string{constants.RebuildQueueName}, pub.queues)
		assert.Equal(t, []string{
			constants.RebuildQueueName + "<-" + constants.RebuildExchangeName + ":" + constants.RebuildRoutingKey,
		}, pub.bindings)
		require.Len(t, pub.messages, 1)
	})

	t.Run("fails without a queue", func(t *testing.T) {
		svc := NewService(newFakeStore(), nil, nil, nil)
		assert.Error(t, svc.RequestRebuild(ctx, "p1", "manual"))
	})
}
