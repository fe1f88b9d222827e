package model

import "strings"

type ActorKind string

const (
	ACTOR_USER    ActorKind = "user"
	ACTOR_SYSTEM  ActorKind = "system"
	ACTOR_UNKNOWN ActorKind = "unknown"
)

// Actor is the identity behind a start, a decision or an operator call.
type Actor struct {
	Kind ActorKind `json:"kind"`
	Id   string    `json:"id,omitempty"`
}

func UnknownActor() Actor {
	return Actor{Kind: ACTOR_UNKNOWN}
}

func SystemActor(id string) Actor {
	return Actor{Kind: ACTOR_SYSTEM, Id: id}
}

func UserActor(id string) Actor {
	return Actor{Kind: ACTOR_USER, Id: id}
}

// OrUnknown normalizes a missing identity to the unknown actor.
func (a Actor) OrUnknown() Actor {
	id := strings.TrimSpace(a.Id)
	switch a.Kind {
	case ACTOR_USER, ACTOR_SYSTEM:
		if id == "" {
			return UnknownActor()
		}
		return Actor{Kind: a.Kind, Id: id}
	case "":
		if id == "" {
			return UnknownActor()
		}
		return Actor{Kind: ACTOR_USER, Id: id}
	}
	return UnknownActor()
}

func (a Actor) IsUnknown() bool {
	return a.OrUnknown().Kind == ACTOR_UNKNOWN
}

func (a Actor) String() string {
	n := a.OrUnknown()
	if n.Kind == ACTOR_UNKNOWN {
		return string(ACTOR_UNKNOWN)
	}
	return string(n.Kind) + ":" + n.Id
}
