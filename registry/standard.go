package registry

// Standard OpenID Connect identity resources.

// OpenID returns the openid identity resource.
func OpenID() IdentityResource {
	return IdentityResource{
		Name:        ScopeOpenID,
		DisplayName: "Your user identifier",
		Required:    true,
		UserClaims:  []string{"sub"},
	}
}

// Profile returns the profile identity resource.
func Profile() IdentityResource {
	return IdentityResource{
		Name:        "profile",
		DisplayName: "User profile",
		Emphasize:   true,
		UserClaims: []string{
			"name", "family_name", "given_name", "middle_name", "nickname",
			"preferred_username", "profile", "picture", "website", "gender",
			"birthdate", "zoneinfo", "locale", "updated_at",
		},
	}
}

// Email returns the email identity resource.
func Email() IdentityResource {
	return IdentityResource{
		Name:        "email",
		DisplayName: "Your email address",
		Emphasize:   true,
		UserClaims:  []string{"email", "email_verified"},
	}
}

// Phone returns the phone identity resource.
func Phone() IdentityResource {
	return IdentityResource{
		Name:        "phone",
		DisplayName: "Your phone number",
		Emphasize:   true,
		UserClaims:  []string{"phone_number", "phone_number_verified"},
	}
}

// Address returns the address identity resource.
func Address() IdentityResource {
	return IdentityResource{
		Name:        "address",
		DisplayName: "Your postal address",
		Emphasize:   true,
		UserClaims:  []string{"address"},
	}
}

// StandardIdentityResource returns the standard resource with the given name.
func StandardIdentityResource(name string) (IdentityResource, bool) {
	switch name {
	case ScopeOpenID:
		return OpenID(), true
	case "profile":
		return Profile(), true
	case "email":
		return Email(), true
	case "phone":
		return Phone(), true
	case "address":
		return Address(), true
	}
	return IdentityResource{}, false
}
