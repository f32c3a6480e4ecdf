package services

import "classmesh/internal/core/domain"

// ConnectionPolicy decides which pairs connect and who sends the first offer.
type ConnectionPolicy struct{}

// ShouldConnect is false only for teacher pairs; co-teachers are tracked in
// the roster without a media connection.
func (ConnectionPolicy) ShouldConnect(myRole, peerRole domain.Role) bool {
	if !myRole.Valid() || !peerRole.Valid() {
		return false
	}
	return !(myRole == domain.RoleTeacher && peerRole == domain.RoleTeacher)
}

// IsInitiator reports whether the local side sends the offer. The teacher
// always initiates towards students; between students the lexicographically
// smaller identity initiates.
func (p ConnectionPolicy) IsInitiator(myRole domain.Role, myID domain.ParticipantID, peerRole domain.Role, peerID domain.ParticipantID) bool {
	if !p.ShouldConnect(myRole, peerRole) {
		return false
	}
	if myRole != peerRole {
		return myRole == domain.RoleTeacher
	}
	return myID < peerID
}
