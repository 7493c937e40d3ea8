package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrEmailTaken          = errors.New("email already registered")
	ErrFriendRequestExists = errors.New("friend request already pending")
	ErrAlreadyFriends      = errors.New("users are already friends")
	ErrNoFriendRequest     = errors.New("no pending friend request")
	ErrSelfFriendRequest   = errors.New("cannot befriend yourself")
)

const userColumns = `id, name, email, password_hash, image, friends, friend_requests, sent_friend_requests, created_at`

// UserRepository abstracts user persistence and the friend-request lifecycle.
type UserRepository interface {
	CreateUser(ctx context.Context, name, email, passwordHash, image string) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsersExcept(ctx context.Context, userID string) ([]models.UserProfile, error)
	BulkUsers(ctx context.Context, ids []string) ([]models.UserProfile, error)
	SendFriendRequest(ctx context.Context, senderID, recipientID string) error
	AcceptFriendRequest(ctx context.Context, senderID, recipientID string) error
	DeclineFriendRequest(ctx context.Context, senderID, recipientID string) error
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser inserts a new account.
func (r *UserRepo) CreateUser(ctx context.Context, name, email, passwordHash, image string) (models.User, error) {
	var u models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (id, name, email, password_hash, image, created_at) VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+userColumns, uuid.NewString(), name, email, passwordHash, image, time.Now().UTC()).StructScan(&u)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.User{}, ErrEmailTaken
	}
	return u, err
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// GetUserByEmail fetches a user by login email.
func (r *UserRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// ListUsersExcept returns every user other than userID.
func (r *UserRepo) ListUsersExcept(ctx context.Context, userID string) ([]models.UserProfile, error) {
	users := []models.UserProfile{}
	err := r.db.SelectContext(ctx, &users, `SELECT id, name, email, image FROM users WHERE id <> $1 ORDER BY name`, userID)
	return users, err
}

// BulkUsers fetches the profiles of the given ids.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []string) ([]models.UserProfile, error) {
	users := []models.UserProfile{}
	if len(ids) == 0 {
		return users, nil
	}
	err := r.db.SelectContext(ctx, &users, `SELECT id, name, email, image FROM users WHERE id = ANY($1)`, pq.StringArray(ids))
	return users, err
}

// SendFriendRequest records a pending request on both users in one transaction.
func (r *UserRepo) SendFriendRequest(ctx context.Context, senderID, recipientID string) error {
	if senderID == recipientID {
		return ErrSelfFriendRequest
	}
	return r.withPair(ctx, senderID, recipientID, func(tx *sqlx.Tx, sender, recipient models.User) error {
		if contains(sender.Friends, recipientID) {
			return ErrAlreadyFriends
		}
		if contains(sender.SentFriendRequests, recipientID) || contains(recipient.FriendRequests, senderID) {
			return ErrFriendRequestExists
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET friend_requests = array_append(friend_requests, $2) WHERE id=$1`, recipientID, senderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET sent_friend_requests = array_append(sent_friend_requests, $2) WHERE id=$1`, senderID, recipientID)
		return err
	})
}

// AcceptFriendRequest moves a pending request into both friend lists in one transaction.
func (r *UserRepo) AcceptFriendRequest(ctx context.Context, senderID, recipientID string) error {
	return r.withPair(ctx, senderID, recipientID, func(tx *sqlx.Tx, sender, recipient models.User) error {
		if !contains(recipient.FriendRequests, senderID) {
			return ErrNoFriendRequest
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET
            friend_requests = array_remove(friend_requests, $2),
            friends = CASE WHEN $2 = ANY(friends) THEN friends ELSE array_append(friends, $2) END
            WHERE id=$1`, recipientID, senderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET
            sent_friend_requests = array_remove(sent_friend_requests, $2),
            friends = CASE WHEN $2 = ANY(friends) THEN friends ELSE array_append(friends, $2) END
            WHERE id=$1`, senderID, recipientID)
		return err
	})
}

// DeclineFriendRequest drops a pending request from both users in one transaction.
func (r *UserRepo) DeclineFriendRequest(ctx context.Context, senderID, recipientID string) error {
	return r.withPair(ctx, senderID, recipientID, func(tx *sqlx.Tx, sender, recipient models.User) error {
		if !contains(recipient.FriendRequests, senderID) {
			return ErrNoFriendRequest
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET friend_requests = array_remove(friend_requests, $2) WHERE id=$1`, recipientID, senderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET sent_friend_requests = array_remove(sent_friend_requests, $2) WHERE id=$1`, senderID, recipientID)
		return err
	})
}

// withPair locks both user rows in id order and runs fn inside the transaction.
// Either both users' lists change or neither does.
func (r *UserRepo) withPair(ctx context.Context, senderID, recipientID string, fn func(tx *sqlx.Tx, sender, recipient models.User) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := []string{senderID, recipientID}
	sort.Strings(ids)
	var locked []models.User
	if err := tx.SelectContext(ctx, &locked, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.StringArray(ids)); err != nil {
		return err
	}

	var sender, recipient models.User
	var foundSender, foundRecipient bool
	for _, u := range locked {
		switch u.ID {
		case senderID:
			sender, foundSender = u, true
		case recipientID:
			recipient, foundRecipient = u, true
		}
	}
	if !foundSender || !foundRecipient {
		return ErrUserNotFound
	}

	if err := fn(tx, sender, recipient); err != nil {
		return err
	}
	return tx.Commit()
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
