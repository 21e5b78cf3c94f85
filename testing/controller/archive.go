package controller

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	pb "github.com/distcodep7/dsmutex/proto"
)

var envelopeBucket = []byte("envelopes")

const (
	archiveBatchSize  = 500
	archiveFlushEvery = time.Second
	archiveQueueSize  = 10000
)

// StoredMessage is one delivered envelope as kept in the archive.
type StoredMessage struct {
	Seq     uint64 `json:"seq"`
	Id      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Group   string `json:"group,omitempty"`
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
	Time    int64  `json:"time"`
}

// Archive persists delivered envelopes in a bolt database. Writes are queued
// and committed in batches by a single writer goroutine. A nil *Archive
// records nothing.
type Archive struct {
	db     *bolt.DB
	log    Logger
	queue  chan StoredMessage
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func OpenArchive(path string, logger Logger) (*Archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(envelopeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive bucket: %w", err)
	}
	if logger == nil {
		logger = NoOpLogger{}
	}

	a := &Archive{
		db:    db,
		log:   logger,
		queue: make(chan StoredMessage, archiveQueueSize),
		stop:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Record queues env for persistence. It never blocks; when the queue is full
// the envelope is skipped.
func (a *Archive) Record(env *pb.Envelope) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	msg := StoredMessage{
		Id:      env.Id,
		From:    env.From,
		To:      env.To,
		Group:   env.Group,
		Type:    env.Type,
		Payload: env.Payload,
		Time:    time.Now().UnixNano(),
	}
	select {
	case a.queue <- msg:
	default:
		a.log.Printf("[ARCHIVE] queue full, skipping %s -> %s", env.From, env.To)
	}
}

func (a *Archive) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(archiveFlushEvery)
	defer ticker.Stop()

	batch := make([]StoredMessage, 0, archiveBatchSize)
	for {
		select {
		case msg := <-a.queue:
			batch = append(batch, msg)
			if len(batch) >= archiveBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			for {
				select {
				case msg := <-a.queue:
					batch = append(batch, msg)
				default:
					if len(batch) > 0 {
						a.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (a *Archive) flush(batch []StoredMessage) {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(envelopeBucket)
		for _, msg := range batch {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			msg.Seq = seq
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.log.Printf("[ARCHIVE] failed to write %d envelopes: %v", len(batch), err)
	}
}

// Messages returns every committed envelope in delivery order.
func (a *Archive) Messages() ([]StoredMessage, error) {
	var out []StoredMessage
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(envelopeBucket).ForEach(func(_, v []byte) error {
			var msg StoredMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			out = append(out, msg)
			return nil
		})
	})
	return out, err
}

// Close commits everything still queued and closes the database.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
	return a.db.Close()
}
