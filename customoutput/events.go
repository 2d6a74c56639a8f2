package customoutput

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/cfdwire"
)

// RemoteAddCustomOutput is emitted when the peer proposes a new custom
// output. The application answers with ContinueRemoteAdd, or lets the
// proposal time out on the peer's side.
type RemoteAddCustomOutput struct {
	Peer     *btcec.PublicKey
	Proposal *cfdwire.ProposeCustomOutput
}

// EventName returns the event name.
func (e *RemoteAddCustomOutput) EventName() string {
	return "remote_add_custom_output"
}
