package services

import "classmesh/internal/core/domain"

// Room data layout in the signaling channel:
//
//	rooms/{room}/participants/{id}       presence records
//	rooms/{room}/signals/{to}/{pushKey}  negotiation records for one recipient
//	rooms/{room}/screenShare             room-scoped screen-share record
//	rooms/{room}/muteAll, rooms/{room}/quiz*  UI-owned, ignored here

func RoomPath(room domain.RoomID) string {
	return "rooms/" + string(room)
}

func ParticipantsPath(room domain.RoomID) string {
	return RoomPath(room) + "/participants"
}

func ParticipantPath(room domain.RoomID, id domain.ParticipantID) string {
	return ParticipantsPath(room) + "/" + string(id)
}

func SignalsPath(room domain.RoomID, to domain.ParticipantID) string {
	return RoomPath(room) + "/signals/" + string(to)
}

func ScreenSharePath(room domain.RoomID) string {
	return RoomPath(room) + "/screenShare"
}
