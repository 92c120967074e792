package transport

import (
	"errors"
	"time"

	"github.com/danmuck/peerlink/internal/accounts"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

// DeregisterReason is the disconnect reason that asks the remote side to
// drop the sender's account.
const DeregisterReason = "deregister"

// answerHandshake builds the ack the answering side sends for one
// handshake. A nil store accepts every identity without an account.
func answerHandshake(store accounts.Store, self identity.ID, intent Intent, from identity.ID, alias string) session.HandshakeAck {
	ack := session.HandshakeAck{
		Status:      session.AckStatusRejected,
		RemoteID:    self,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if store != nil {
		var (
			acct accounts.Account
			err  error
		)
		switch intent {
		case IntentRegister:
			acct, err = store.Register(from, alias)
		case IntentConnect:
			acct, err = store.Lookup(from)
		}
		if err != nil {
			ack.Code = ackCodeForStoreError(err)
			ack.Message = err.Error()
			if errors.Is(err, accounts.ErrUnknownAccount) {
				ack.Message = "unknown account"
			}
			return ack
		}
		ack.CID = acct.CID
	}
	ack.Status = session.AckStatusAccepted
	ack.Code = session.AckCodeOK
	return ack
}

func ackCodeForStoreError(err error) uint32 {
	switch {
	case errors.Is(err, accounts.ErrAlreadyRegistered):
		return session.AckCodeAlreadyRegistered
	case errors.Is(err, accounts.ErrUnknownAccount):
		return session.AckCodeUnknownAccount
	}
	return session.AckCodeUnavailable
}
