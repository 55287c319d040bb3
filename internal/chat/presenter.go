package chat

import "github.com/kunal-geeks/peerchat/internal/p2p"

// Presenter is told about everything that happens to peers. Calls come from
// reader goroutines, possibly concurrently, so implementations must be safe
// for concurrent use and must not call back into the Node's Shutdown.
type Presenter interface {
	OnPeerConnected(id p2p.PeerID)
	OnMessage(id p2p.PeerID, text string)
	OnPeerTerminated(id p2p.PeerID)
	OnConnectionDropped(id p2p.PeerID)
}

type nopPresenter struct{}

func (nopPresenter) OnPeerConnected(p2p.PeerID) {}
func (nopPresenter) OnMessage(p2p.PeerID, string) {}
func (nopPresenter) OnPeerTerminated(p2p.PeerID) {}
func (nopPresenter) OnConnectionDropped(p2p.PeerID) {}
