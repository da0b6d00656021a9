package llm

import "github.com/target-evidence-core/internal/domain"

// Policy controls where each data class may be sent
type Policy struct {
	PreferredBackend    string `json:"preferred_backend"`
	AllowRemoteInternal bool   `json:"allow_remote_internal"`
	LocalOnly           bool   `json:"local_only"`
}

// PolicyFromConfig builds the routing policy from configuration
func PolicyFromConfig(cfg domain.LLMConfig) Policy {
	return Policy{
		PreferredBackend:    cfg.PreferredBackend,
		AllowRemoteInternal: cfg.AllowRemoteInternal,
		LocalOnly:           cfg.LocalOnly,
	}
}

// remoteAllowed reports whether class may leave the host
func (p Policy) remoteAllowed(class domain.DataClass) bool {
	if p.LocalOnly {
		return false
	}
	switch class {
	case domain.DataClassPublic:
		return true
	case domain.DataClassInternal:
		return p.AllowRemoteInternal
	default:
		return false
	}
}
