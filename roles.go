package bridge

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Local platform roles, most to least privileged.
const (
	RoleAdministrator = "administrator"
	RoleEditor        = "editor"
	RoleAuthor        = "author"
	RoleContributor   = "contributor"
	RoleSubscriber    = "subscriber"
)

// DefaultRole is the minimum privilege role given to bridge created users.
const DefaultRole = RoleSubscriber

// DefaultPhoneRegion is used when a phone number carries no country prefix.
const DefaultPhoneRegion = "US"

var providerRoleTable = map[string]string{
	"admin":         RoleAdministrator,
	"administrator": RoleAdministrator,
	"editor":        RoleEditor,
	"author":        RoleAuthor,
	"contributor":   RoleContributor,
	"subscriber":    RoleSubscriber,
	"authenticated": RoleSubscriber,
	"user":          RoleSubscriber,
}

// TranslateProviderRoles maps provider role names onto local roles. Unknown
// names are dropped; when nothing matches the result is the default role.
func TranslateProviderRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := map[string]bool{}
	for _, role := range roles {
		local, ok := providerRoleTable[strings.ToLower(strings.TrimSpace(role))]
		if !ok || seen[local] {
			continue
		}
		seen[local] = true
		out = append(out, local)
	}

	if len(out) == 0 {
		return []string{DefaultRole}
	}
	return out
}

// Profile fields a provider payload can update.
const (
	FieldDisplayName = "display_name"
	FieldFirstName   = "first_name"
	FieldLastName    = "last_name"
	FieldPhone       = "phone"
)

// providerFieldAliases lists the accepted metadata keys per field, the
// first present key wins.
var providerFieldAliases = []struct {
	field string
	keys  []string
}{
	{FieldDisplayName, []string{"display_name", "name", "full_name"}},
	{FieldFirstName, []string{"first_name", "given_name"}},
	{FieldLastName, []string{"last_name", "family_name"}},
	{FieldPhone, []string{"phone", "phone_number"}},
}

// TranslateProviderFields picks the known profile attributes out of a
// provider metadata payload, keyed by local field name. Keys match case
// insensitively; blank and non string values are ignored.
func TranslateProviderFields(metadata map[string]any) map[string]string {
	out := map[string]string{}
	if len(metadata) == 0 {
		return out
	}

	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	lookup := make(map[string]any, len(metadata))
	for _, key := range keys {
		lower := strings.ToLower(key)
		if _, exists := lookup[lower]; exists && key != lower {
			continue
		}
		lookup[lower] = metadata[key]
	}

	for _, alias := range providerFieldAliases {
		for _, key := range alias.keys {
			value, ok := lookup[key].(string)
			if !ok {
				continue
			}
			if value = strings.TrimSpace(value); value != "" {
				out[alias.field] = value
				break
			}
		}
	}
	return out
}

// ApplyProfileFields writes translated fields onto the user. Phone values
// that cannot be parsed are skipped and reported in the returned error.
func ApplyProfileFields(user *LocalUser, fields map[string]string) error {
	if user == nil {
		return nil
	}

	var phoneErr error
	for field, value := range fields {
		switch field {
		case FieldDisplayName:
			user.DisplayName = value
		case FieldFirstName:
			user.FirstName = value
		case FieldLastName:
			user.LastName = value
		case FieldPhone:
			phone, err := NormalizePhone(value)
			if err != nil {
				phoneErr = err
				continue
			}
			user.Phone = phone
		}
	}
	return phoneErr
}

// NormalizePhone formats number as E.164.
func NormalizePhone(number string) (string, error) {
	parsed, err := phonenumbers.Parse(number, DefaultPhoneRegion)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", number, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", number)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
