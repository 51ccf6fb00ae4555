package facade

import (
	"time"

	"github.com/krisalay/client-cache/docstore"
)

// Collection names.
const (
	UsersCollection             = "users"
	GroupsCollection            = "groups"
	HotSpotsCollection          = "hotSpots"
	HotSpotInteractionsColl     = "hotSpotInteractions"
	PostsCollection             = "posts"
	NotificationsCollection     = "notifications"
	HashtagsCollection          = "hashtags"
	groupMessagesCollectionFmt  = "groups/%s/messages"
	roomMessagesCollectionFmt   = "rooms/%s/messages"
	defaultAnonymousDisplayName = "Anonymous"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
}

func decodeUser(d docstore.Document) User {
	return User{
		ID:          d.ID,
		DisplayName: d.String("displayName"),
		FullName:    d.String("fullName"),
		Username:    d.String("username"),
		Email:       d.String("email"),
		ProfileURL:  d.String("profileUrl"),
	}
}

// Author is the public face of a user attached to posts and notifications.
type Author struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
}

func (u User) Author() Author {
	a := Author{DisplayName: u.DisplayName, Username: u.Username, ProfileURL: u.ProfileURL}
	if a.DisplayName == "" {
		a.DisplayName = u.FullName
	}
	if a.DisplayName == "" {
		a.DisplayName = defaultAnonymousDisplayName
	}
	if a.Username == "" {
		a.Username = u.Email
	}
	return a
}

type GroupMember struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type LastMessage struct {
	Text       string    `json:"text"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
}

type Group struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Members      []GroupMember `json:"members"`
	MemberIDs    []string      `json:"member_ids"`
	MessageCount int64         `json:"message_count"`
	LastMessage  *LastMessage  `json:"last_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func decodeGroup(d docstore.Document) Group {
	g := Group{
		ID:           d.ID,
		Name:         d.String("name"),
		Description:  d.String("description"),
		MemberIDs:    d.Strings("memberIds"),
		MessageCount: d.Int("messageCount"),
		CreatedAt:    d.Time("createdAt"),
		UpdatedAt:    d.Time("updatedAt"),
	}
	raw, _ := d.Get("members")
	var members []map[string]any
	switch list := raw.(type) {
	case []map[string]any:
		members = list
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				members = append(members, m)
			}
		}
	}
	for _, m := range members {
		md := docstore.Document{Fields: m}
		g.Members = append(g.Members, GroupMember{
			UserID:   md.String("userId"),
			Role:     md.String("role"),
			JoinedAt: md.Time("joinedAt"),
		})
	}
	if _, ok := d.Get("lastMessage"); ok {
		g.LastMessage = &LastMessage{
			Text:       d.String("lastMessage.text"),
			SenderName: d.String("lastMessage.senderName"),
			CreatedAt:  d.Time("lastMessage.createdAt"),
		}
	}
	return g
}

type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func decodeMessage(d docstore.Document) Message {
	return Message{
		ID:        d.ID,
		SenderID:  d.String("uid"),
		Text:      d.String("text"),
		Status:    d.String("status"),
		CreatedAt: d.Time("createdAt"),
	}
}

type HotSpotStats struct {
	Joined     int64   `json:"joined"`
	Interested int64   `json:"interested"`
	Checkins   int64   `json:"checkins"`
	Rating     float64 `json:"rating"`
}

type HotSpot struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Type             string       `json:"type"`
	Category         string       `json:"category"`
	IsActive         bool         `json:"is_active"`
	IsFeatured       bool         `json:"is_featured"`
	ParticipantCount int64        `json:"participant_count"`
	Stats            HotSpotStats `json:"stats"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func decodeHotSpot(d docstore.Document) HotSpot {
	return HotSpot{
		ID:               d.ID,
		Title:            d.String("title"),
		Type:             d.String("type"),
		Category:         d.String("category"),
		IsActive:         d.Bool("isActive"),
		IsFeatured:       d.Bool("isFeatured"),
		ParticipantCount: d.Int("participantCount"),
		Stats: HotSpotStats{
			Joined:     d.Int("stats.joined"),
			Interested: d.Int("stats.interested"),
			Checkins:   d.Int("stats.checkins"),
			Rating:     d.Float("stats.rating"),
		},
		CreatedAt: d.Time("createdAt"),
		UpdatedAt: d.Time("updatedAt"),
	}
}

// InteractionType is what a user did with a hot spot.
type InteractionType string

const (
	InteractionJoin       InteractionType = "join"
	InteractionInterested InteractionType = "interested"
	InteractionCheckIn    InteractionType = "checkin"
	InteractionFavorite   InteractionType = "favorite"
)

// Location is a point on the map.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Interaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	HotSpotID string          `json:"hot_spot_id"`
	Type      InteractionType `json:"type"`
	Location  *Location       `json:"location,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func decodeInteraction(d docstore.Document) Interaction {
	in := Interaction{
		ID:        d.ID,
		UserID:    d.String("userId"),
		HotSpotID: d.String("hotSpotId"),
		Type:      InteractionType(d.String("type")),
		Timestamp: d.Time("timestamp"),
	}
	if raw, _ := d.Get("location"); raw != nil {
		in.Location = &Location{Latitude: d.Float("location.latitude"), Longitude: d.Float("location.longitude")}
	}
	return in
}

type Post struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	Hashtags  []string  `json:"hashtags,omitempty"`
	Likes     []string  `json:"likes"`
	Comments  int64     `json:"comments"`
	Shares    int64     `json:"shares"`
	Type      string    `json:"type"`
	Privacy   string    `json:"privacy"`
	Timestamp time.Time `json:"timestamp"`
	Author    *Author   `json:"author,omitempty"`
}

// LikeCount is the number of users who liked the post.
func (p Post) LikeCount() int { return len(p.Likes) }

// Engagement is likes + comments + shares, the trending score.
func (p Post) Engagement() int64 { return int64(len(p.Likes)) + p.Comments + p.Shares }

func decodePost(d docstore.Document) Post {
	p := Post{
		ID:        d.ID,
		UserID:    d.String("userID"),
		Content:   d.String("content"),
		Images:    d.Strings("images"),
		Hashtags:  d.Strings("hashtags"),
		Likes:     d.Strings("likes"),
		Comments:  d.Int("comments"),
		Shares:    d.Int("shares"),
		Type:      d.String("type"),
		Privacy:   d.String("privacy"),
		Timestamp: d.Time("timestamp"),
	}
	if p.Type == "" {
		p.Type = "post"
	}
	if p.Privacy == "" {
		p.Privacy = "public"
	}
	if p.Likes == nil {
		p.Likes = []string{}
	}
	return p
}

type Notification struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	IsRead     bool           `json:"is_read"`
	Priority   string         `json:"priority,omitempty"`
	SenderID   string         `json:"sender_id,omitempty"`
	ReceiverID string         `json:"receiver_id"`
	Sender     *Author        `json:"sender,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func decodeNotification(d docstore.Document) Notification {
	n := Notification{
		ID:         d.ID,
		Type:       d.String("type"),
		Title:      d.String("title"),
		Body:       d.String("message"),
		IsRead:     d.Bool("isRead"),
		Priority:   d.String("priority"),
		SenderID:   d.String("senderId"),
		ReceiverID: d.String("receiverId"),
		Timestamp:  d.Time("timestamp"),
	}
	if n.Body == "" {
		n.Body = d.String("body")
	}
	if raw, ok := d.Get("data"); ok {
		if m, ok := raw.(map[string]any); ok {
			n.Data = m
		}
	}
	if name := d.String("senderName"); name != "" {
		n.Sender = &Author{DisplayName: name, ProfileURL: d.String("senderAvatar")}
	}
	return n
}

type Hashtag struct {
	ID       string    `json:"id"`
	Tag      string    `json:"tag"`
	Count    int64     `json:"count"`
	Trending bool      `json:"trending"`
	Created  time.Time `json:"created_at"`
	LastUsed time.Time `json:"last_used"`
}

// trendingThreshold is the usage count above which a hashtag is flagged trending.
const trendingThreshold = 10

func decodeHashtag(d docstore.Document) Hashtag {
	h := Hashtag{
		ID:       d.ID,
		Tag:      d.String("tag"),
		Count:    d.Int("count"),
		Created:  d.Time("createdAt"),
		LastUsed: d.Time("lastUsed"),
	}
	h.Trending = h.Count > trendingThreshold
	return h
}
