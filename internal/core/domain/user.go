package domain

type UserID string

const (
	PlaceholderDisplayName = "WanderLink traveler"
	PlaceholderAvatarURL   = "https://assets.wanderlink.app/avatars/default.png"
)

type Profile struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// PlaceholderProfile is shown while the real profile cannot be loaded.
func PlaceholderProfile(id UserID) *Profile {
	return &Profile{
		UserID:      id,
		DisplayName: PlaceholderDisplayName,
		AvatarURL:   PlaceholderAvatarURL,
	}
}
