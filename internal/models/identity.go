package models

// Identity is an already authenticated caller.
type Identity struct {
	Email string
	Name  string
}

// AsParticipant returns the caller as a participant with the given role.
func (i Identity) AsParticipant(role Role) Participant {
	return Participant{Email: NormalizeEmail(i.Email), Name: i.Name, Role: role}
}
