package models

import (
	"time"
)

// CommunityUser is a registered community member whose posts earn points.
type CommunityUser struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmittedPost is a post accepted into the points ledger.
type SubmittedPost struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	PostID     string     `json:"post_id"`
	URL        string     `json:"url"`
	Content    string     `json:"content"`
	Source     Source     `json:"source"`
	Engagement Engagement `json:"engagement"`
	Points     int        `json:"points"`
	CreatedAt  time.Time  `json:"created_at"`
}

// UserInfo is the public profile of a platform account.
type UserInfo struct {
	Username        string    `json:"username"`
	DisplayName     string    `json:"display_name"`
	Bio             string    `json:"bio"`
	FollowersCount  int       `json:"followers_count"`
	FollowingCount  int       `json:"following_count"`
	Verified        bool      `json:"verified"`
	Location        string    `json:"location,omitempty"`
	Website         string    `json:"website,omitempty"`
	JoinDate        time.Time `json:"join_date,omitzero"`
	ProfileImageURL string    `json:"profile_image_url,omitempty"`
	Source          Source    `json:"source"`
	// Partial is set when the source cannot report every field; missing
	// fields are left zero.
	Partial   bool      `json:"partial"`
	FetchedAt time.Time `json:"fetched_at"`
}
