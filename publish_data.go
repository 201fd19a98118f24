package minidaq

import (
	"encoding/json"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"
)

// CaptureHeader is the JSON frame published ahead of each capture's raw
// sample block.
type CaptureHeader struct {
	ID         string
	Mode       string
	Channel    int
	SampleRate int
	Nsamples   int
}

// PublishCaptures publishes every capture received on its input to a ZMQ
// PUB socket as a two-frame message: a JSON CaptureHeader, then the raw
// little-endian 16-bit sample block. It terminates when abort is closed.
func PublishCaptures(captures <-chan *Capture, abort <-chan struct{}, portnum int) {
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		log.Printf("could not create capture PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		log.Printf("could not bind capture PUB socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case c := <-captures:
			header := CaptureHeader{
				ID:         c.ID,
				Mode:       c.Mode.String(),
				Channel:    c.Channel,
				SampleRate: c.SampleRate,
				Nsamples:   len(c.Samples),
			}
			hb, err := json.Marshal(header)
			if err != nil {
				log.Printf("could not marshal capture header: %v", err)
				continue
			}
			if _, err := pubSocket.SendBytes(hb, zmq.SNDMORE); err != nil {
				log.Printf("could not send capture header: %v", err)
				continue
			}
			if _, err := pubSocket.SendBytes(rawTypeToBytes(c.Samples), 0); err != nil {
				log.Printf("could not send capture samples: %v", err)
			}
		}
	}
}
