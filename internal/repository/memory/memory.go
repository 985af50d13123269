package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat_sync/internal/model"
	"chat_sync/internal/repository/user"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserRepo is an in-process stand-in for the Mongo user collection.
type UserRepo struct {
	mu      sync.RWMutex
	byEmail map[string]model.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{byEmail: make(map[string]model.User)}
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byEmail[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *UserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[u.Email]; ok {
		return user.ErrDuplicateEmail
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.ID = primitive.NewObjectID()
	r.byEmail[u.Email] = *u
	return nil
}

// MessageRepo is an in-process stand-in for the Mongo message collection.
type MessageRepo struct {
	mu       sync.RWMutex
	messages []model.Message
}

func NewMessageRepo() *MessageRepo {
	return &MessageRepo{}
}

func (r *MessageRepo) Save(_ context.Context, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *m)
	return nil
}

func (r *MessageRepo) Between(_ context.Context, a, b string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []model.Message{}
	for _, m := range r.messages {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
