package user

// User is the subset of an identity-service account record the tool reads.
type User struct {
	UID          string                 `json:"uid"`
	Email        string                 `json:"email,omitempty"`
	DisplayName  string                 `json:"display_name,omitempty"`
	Disabled     bool                   `json:"disabled"`
	CustomClaims map[string]interface{} `json:"custom_claims"`
}

func (u *User) SetClaim(key string, val interface{}) {
	if u.CustomClaims == nil {
		u.CustomClaims = map[string]interface{}{}
	}
	u.CustomClaims[key] = val
}

// MergeClaims copies every entry of claims into the user's mapping,
// overwriting keys that already exist and keeping all others.
func (u *User) MergeClaims(claims map[string]interface{}) {
	for k, v := range claims {
		u.SetClaim(k, v)
	}
}

func (u *User) Claim(key string) (interface{}, bool) {
	v, ok := u.CustomClaims[key]
	return v, ok
}
