// Package capturedb provides classes that write acquisition records to a
// ClickHouse database. The connection is optional: every Record* method is a
// no-op on a disconnected (or Dummy) connection, so callers never need to
// check whether the database is actually there.
package capturedb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "psminidaq" // official SQL name of the database

// Connection wraps one ClickHouse connection plus the channels feeding its
// single insert goroutine.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	capturemsg    chan *CaptureMessage
	voltagemsg    chan *VoltageMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is reachable and error-free.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server answers with the configured
// credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartDBConnection opens the database, logs the daemon activity row, and
// launches the insert goroutine until abort is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	conn := createConnection()
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

// DummyDBConnection returns a never-connected Connection whose Record*
// methods all do nothing. Tests and database-less daemons use it.
func DummyDBConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

// NewActivityMessage fills an ActivityMessage for this process.
func NewActivityMessage(id, githash, version string) *ActivityMessage {
	host, _ := os.Hostname()
	return &ActivityMessage{
		ID:        id,
		Hostname:  host,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("PSMINIDAQ_DB_USER"),
		Password: os.Getenv("PSMINIDAQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "psminidaq", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.capturemsg = make(chan *CaptureMessage)
	db.voltagemsg = make(chan *VoltageMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO daemonactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into daemonactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case cmsg := <-db.capturemsg:
			db.handleCaptureMessage(cmsg)
		case vmsg := <-db.voltagemsg:
			db.handleVoltageMessage(vmsg)
		}
	}
}

// Disconnect stamps the activity row with its end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordCapture takes a CaptureMessage and stores it in the DB (if open).
// The handoff is asynchronous; the caller is never delayed by the database.
func (db *Connection) RecordCapture(msg *CaptureMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.capturemsg <- msg }()
}

// RecordVoltage takes a VoltageMessage and stores it in the DB (if open).
func (db *Connection) RecordVoltage(msg *VoltageMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.voltagemsg <- msg }()
}

func (db *Connection) handleCaptureMessage(m *CaptureMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	formattedTime := m.Time.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO captures VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.DaemonID, m.Mode, m.Channel, m.SampleRate, m.Nsamples,
		m.MeanMilliV, m.PkPkMilliV, formattedTime,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into captures ", err)
		db.err = err
	}
}

func (db *Connection) handleVoltageMessage(m *VoltageMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	formattedTime := m.Time.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO voltages VALUES (?, ?, ?, ?, ?)`, nowait,
		m.DaemonID, m.Channel, m.Oversampling, m.MilliVolts, formattedTime,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into voltages ", err)
		db.err = err
	}
}
