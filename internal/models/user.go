package models

import (
	"time"

	"github.com/lib/pq"
)

// User is a registered account together with its friend graph.
type User struct {
	ID                 string         `db:"id" json:"id"`
	Name               string         `db:"name" json:"name"`
	Email              string         `db:"email" json:"email"`
	PasswordHash       string         `db:"password_hash" json:"-"`
	Image              string         `db:"image" json:"image"`
	Friends            pq.StringArray `db:"friends" json:"friends"`
	FriendRequests     pq.StringArray `db:"friend_requests" json:"friend_requests"`
	SentFriendRequests pq.StringArray `db:"sent_friend_requests" json:"sent_friend_requests"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// UserProfile is the public subset of a user.
type UserProfile struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
	Image string `db:"image" json:"image"`
}
