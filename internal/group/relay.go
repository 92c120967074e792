package group

import (
	"github.com/danmuck/peerlink/internal/directory"
	"github.com/danmuck/peerlink/internal/identity"
	"github.com/rs/zerolog/log"
)

type admission struct {
	entry    directory.PeerEntry
	mailbox  chan Introduction
	existing []directory.PeerEntry
}

type relayMsg struct {
	admit *admission
	leave identity.ID
}

// relayLoop is the owner's member-acceptance loop. It alone writes to and
// closes member mailboxes.
func (c *Coordinator) relayLoop(g *group, ready chan<- struct{}) {
	defer close(g.loopDone)
	mailboxes := make(map[identity.ID]chan Introduction)
	close(ready)
	for {
		select {
		case <-g.quit:
			for _, mb := range mailboxes {
				close(mb)
			}
			return
		case msg := <-g.relay:
			switch {
			case msg.admit != nil:
				a := msg.admit
				mailboxes[a.entry.ID] = a.mailbox
				for _, peer := range a.existing {
					c.introduce(g, mailboxes, a.entry.ID, peer)
					c.introduce(g, mailboxes, peer.ID, a.entry)
				}
			case msg.leave != "":
				if mb, ok := mailboxes[msg.leave]; ok {
					delete(mailboxes, msg.leave)
					close(mb)
				}
			}
		}
	}
}

func (c *Coordinator) introduce(g *group, mailboxes map[identity.ID]chan Introduction, to identity.ID, peer directory.PeerEntry) {
	peer.IntroducedBy = g.owner
	intro := Introduction{Group: g.name, To: to, Peer: peer}
	if mb, ok := mailboxes[to]; ok {
		select {
		case mb <- intro:
		default:
			log.Warn().Msgf("group.relay mailbox full group=%s to=%s peer=%s", g.name, to, peer.ID)
		}
	}
	if c.introducer != nil {
		c.introducer(intro)
	}
	log.Debug().Msgf("group.relay introduce group=%s to=%s peer=%s", g.name, to, peer.ID)
}
