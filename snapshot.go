package bridge

import (
	"time"
)

// ProfileSnapshot is the view of a local user pushed to the auth provider
type ProfileSnapshot struct {
	LocalUserID  string    `json:"local_user_id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Roles        []string  `json:"roles"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// SnapshotFromUser copies the provider relevant fields of user
func SnapshotFromUser(user *LocalUser) *ProfileSnapshot {
	if user == nil {
		return nil
	}

	snap := &ProfileSnapshot{
		LocalUserID: user.ID.String(),
		Email:       user.Email,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		Phone:       user.Phone,
		Roles:       append([]string(nil), user.Roles...),
	}
	if user.CreatedAt != nil {
		snap.RegisteredAt = user.CreatedAt.UTC()
	}
	if snap.DisplayName == "" {
		snap.DisplayName = user.Username
	}
	return snap
}

// Metadata renders the snapshot as the provider user metadata document
func (s *ProfileSnapshot) Metadata() map[string]any {
	if s == nil {
		return map[string]any{}
	}

	roles := make([]any, 0, len(s.Roles))
	for _, r := range s.Roles {
		roles = append(roles, r)
	}

	md := map[string]any{
		"local_user_id": s.LocalUserID,
		"username":      s.Username,
		"display_name":  s.DisplayName,
		"roles":         roles,
	}
	if s.FirstName != "" {
		md["first_name"] = s.FirstName
	}
	if s.LastName != "" {
		md["last_name"] = s.LastName
	}
	if s.Phone != "" {
		md["phone"] = s.Phone
	}
	if !s.RegisteredAt.IsZero() {
		md["registered_at"] = s.RegisteredAt.Format(time.RFC3339)
	}
	return md
}
