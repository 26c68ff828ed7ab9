package main

import "fmt"

// Control-plane inbound message tags (spec §6.2).
const (
	tagRegister     = "REGISTER"
	tagChatMessage  = "CHAT_MESSAGE"
	tagPrivateChat  = "PRIVATE_CHAT"
	tagRenameServer = "RENAME_SERVER"
	tagKick         = "KICK"
	tagCreateChan   = "CREATE_CHANNEL"
	tagRenameChan   = "RENAME_CHANNEL"
	tagDeleteChan   = "DELETE_CHANNEL"
	tagReact        = "REACT"
	tagUnreact      = "UNREACT"
	tagPin          = "PIN"
	tagUnpin        = "UNPIN"
	tagEditMsg      = "EDIT_MESSAGE"
	tagDeleteMsg    = "DELETE_MESSAGE"
	tagSetSlowMode  = "SET_SLOW_MODE"
	tagPing         = "PING"
)

// Screen-control inbound tags (spec §6.3).
const (
	tagRequestPresenter = "REQUEST_PRESENTER"
	tagReleasePresenter = "RELEASE_PRESENTER"
)

// File-transfer inbound tags (spec §6.5).
const (
	tagUpload   = "UPLOAD"
	tagDownload = "DOWNLOAD"
	tagDelete   = "DELETE"
)

// lineID renders the ID: line sent immediately after admission.
func lineID(id uint32) string {
	return fmt.Sprintf("ID:%d\n", id)
}

// formatID renders a participant id as a decimal string, used wherever a
// bare id (not a full wire line) needs to be embedded, e.g. PRESENTER:<id>.
func formatID(id uint32) string {
	return fmt.Sprintf("%d", id)
}

// lineRoster renders an opaque id:username roster snapshot, pairs joined
// by '|' (spec §6.2 "implementation-defined, e.g. CSV id:username").
func lineRoster(roster []RosterEntry) string {
	s := "ROSTER:"
	for i, e := range roster {
		if i > 0 {
			s += "|"
		}
		s += fmt.Sprintf("%d:%s", e.ID, e.Username)
	}
	return s + "\n"
}

func lineHistoryBegin() string { return "HISTORY_BEGIN\n" }
func lineHistoryEnd() string   { return "HISTORY_END\n" }

func lineChat(senderID uint32, username, ts, body string) string {
	return fmt.Sprintf("CHAT:%d:%s:%s:%s\n", senderID, username, ts, body)
}

func linePrivate(senderID uint32, username, ts, recipientNames, body string) string {
	return fmt.Sprintf("PRIVATE:%d:%s:%s:%s:%s\n", senderID, username, ts, recipientNames, body)
}

func lineSystem(body string) string {
	return fmt.Sprintf("SYSTEM:%s\n", body)
}

func linePresenter(idOrNone string) string {
	return fmt.Sprintf("PRESENTER:%s\n", idOrNone)
}

func lineFileOffer(fileID uint32, filename string, size int64, uploaderName string, uploaderID uint32) string {
	return fmt.Sprintf("FILE_OFFER:%d:%s:%d:%s:%d\n", fileID, filename, size, uploaderName, uploaderID)
}

func lineFileDeleted(fileID uint32) string {
	return fmt.Sprintf("FILE_DELETED:%d\n", fileID)
}

func linePing() string { return "PING\n" }
func linePong() string { return "PONG\n" }

func lineError(reason string) string {
	return fmt.Sprintf("ERROR:%s\n", reason)
}

func lineServerInfo(name string) string {
	return fmt.Sprintf("SERVER_INFO:%s\n", name)
}

func lineKicked() string { return "KICKED\n" }

const (
	linePresenterOK      = "PRESENTER_OK\n"
	linePresenterDenied  = "PRESENTER_DENIED\n"
)

func lineFileHeader(filename string, size int64) string {
	return fmt.Sprintf("FILE:%s:%d\n", filename, size)
}

func lineSuccess(fileID uint32) string {
	return fmt.Sprintf("SUCCESS:%d\n", fileID)
}

func lineDeleteSuccess(fileID uint32) string {
	return fmt.Sprintf("DELETE_SUCCESS:%d\n", fileID)
}
