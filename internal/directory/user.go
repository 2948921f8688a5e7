package directory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jmrl23/capstone-backend/internal/cache"
	"github.com/jmrl23/capstone-backend/internal/store"
)

var ErrUserNotFound = errors.New("user not found")

// Users is the read side of the user store, cache-aside like Devices. The
// relay only ever resolves users; provisioning happens elsewhere.
type Users struct {
	repo  *store.Repo
	cache cache.Cache
}

func NewUsers(repo *store.Repo, c cache.Cache) *Users {
	return &Users{repo: repo, cache: c}
}

func userIDKey(id uuid.UUID) string { return "user:id:" + id.String() }

func (u *Users) GetByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	cacheKey := userIDKey(id)
	if b, err := u.cache.Get(ctx, cacheKey); err != nil {
		return nil, err
	} else if b != nil {
		var user store.User
		if err := json.Unmarshal(b, &user); err == nil {
			return &user, nil
		}
	}

	user, err := u.repo.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if b, err := json.Marshal(user); err == nil {
		_ = u.cache.Set(ctx, cacheKey, b)
	}
	return user, nil
}
