// Package discipline holds the canonical rule set of the discipline case
// workflow. Both the case store and the client evaluate the same guards.
package discipline

import "github.com/noah-isme/sma-discipline-api/internal/models"

// Capabilities is the set of actions a role may attempt on a case. It is
// resolved once per session and passed down explicitly.
type Capabilities struct {
	CanView               bool `json:"can_view"`
	CanEdit               bool `json:"can_edit"`
	CanManageAttachments  bool `json:"can_manage_attachments"`
	CanDecide             bool `json:"can_decide"`
	CanAcknowledge        bool `json:"can_acknowledge"`
	CanGenerateSuggestion bool `json:"can_generate_suggestion"`
	CanApproveSuggestion  bool `json:"can_approve_suggestion"`
	CanEditAnyEvent       bool `json:"can_edit_any_event"`
	CanDownloadActa       bool `json:"can_download_acta"`
}

// Resolve maps a role onto its capability set. Unknown roles get nothing.
func Resolve(role models.UserRole) Capabilities {
	switch role {
	case models.RoleSuperAdmin, models.RoleAdmin:
		return Capabilities{
			CanView:               true,
			CanEdit:               true,
			CanManageAttachments:  true,
			CanDecide:             true,
			CanAcknowledge:        true,
			CanGenerateSuggestion: true,
			CanApproveSuggestion:  true,
			CanEditAnyEvent:       true,
			CanDownloadActa:       true,
		}
	case models.RoleCoordinator:
		return Capabilities{
			CanView:               true,
			CanEdit:               true,
			CanManageAttachments:  true,
			CanDecide:             true,
			CanAcknowledge:        true,
			CanGenerateSuggestion: true,
			CanDownloadActa:       true,
		}
	case models.RoleTeacher:
		return Capabilities{
			CanView:              true,
			CanEdit:              true,
			CanManageAttachments: true,
			CanAcknowledge:       true,
			CanDownloadActa:      true,
		}
	case models.RoleParent:
		return Capabilities{
			CanView:        true,
			CanAcknowledge: true,
		}
	default:
		return Capabilities{}
	}
}

// FailClosed is the capability set used while the identity of the actor
// cannot be established.
func FailClosed() Capabilities {
	return Capabilities{}
}

// Actor identifies who is acting on a case.
type Actor struct {
	ID   string
	Role models.UserRole
}

// ActorFromClaims builds an actor from validated token claims.
func ActorFromClaims(claims *models.JWTClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{ID: claims.UserID, Role: claims.Role}
}

// Capabilities resolves the actor's capability set.
func (a Actor) Capabilities() Capabilities {
	if a.ID == "" {
		return FailClosed()
	}
	return Resolve(a.Role)
}
