package minidaq

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest acquisition state on the status port.

import (
	"encoding/json"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries a message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, so clients learn of acquisition state changes. It
// terminates when abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		log.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		log.Printf("could not bind status PUB socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				log.Printf("could not marshal status update %q: %v", update.tag, err)
				continue
			}
			UpdateLogger.Printf("%s %s", update.tag, message)
			if _, err := pubSocket.Send(update.tag, zmq.SNDMORE); err != nil {
				log.Printf("could not send status tag: %v", err)
				continue
			}
			if _, err := pubSocket.SendBytes(message, 0); err != nil {
				log.Printf("could not send status update: %v", err)
			}
		}
	}
}
