// Package dump implements the raw-frame debug channel referenced in
// spec.md §6 observability: every frame crossing a connection can
// optionally be streamed to a file, and/or published to Kafka for
// offline analysis, each dump session tagged with a fresh UUID so
// concurrent runs never collide on a filename or topic key.
package dump

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/catchupnet/conode/log"
)

var logger = log.NewModuleLogger(log.P2PDump)

// Sink receives dumped frames from every connection that has dumping
// enabled; it implements p2p/conn.FrameDumper.
type Sink struct {
	mu         sync.Mutex
	file       *os.File
	producer   sarama.SyncProducer
	kafkaTopic string
	sessionID  string
}

// Options configures a Sink. Either Dir, KafkaBrokers, or both may be
// set; a Sink with neither configured is a valid no-op sink.
type Options struct {
	Dir          string
	KafkaBrokers []string
	KafkaTopic   string
}

// Open creates a new dump session, tagged with a fresh UUID, writing to
// a file under Dir and/or to a Kafka topic, per Options.
func Open(opts Options) (*Sink, error) {
	sessionID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errors.Wrap(err, "dump: generate session id")
	}
	s := &Sink{sessionID: sessionID}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, errors.Wrap(err, "dump: create dump directory")
		}
		path := filepath.Join(opts.Dir, sessionID+".dump")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "dump: open dump file")
		}
		s.file = f
	}

	if len(opts.KafkaBrokers) > 0 {
		cfg := sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
		cfg.Producer.Return.Successes = true
		producer, err := sarama.NewSyncProducer(opts.KafkaBrokers, cfg)
		if err != nil {
			if s.file != nil {
				s.file.Close()
			}
			return nil, errors.Wrap(err, "dump: connect to kafka")
		}
		s.producer = producer
		s.kafkaTopic = opts.KafkaTopic
		if s.kafkaTopic == "" {
			s.kafkaTopic = "conode-frame-dumps"
		}
	}

	logger.Info("frame dump session started", "session", sessionID, "dir", opts.Dir, "kafka", len(opts.KafkaBrokers) > 0)
	return s, nil
}

// Close releases any open file or Kafka producer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	if s.producer != nil {
		if cerr := s.producer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// record is: 8-byte millis timestamp, 8-byte connection id, 1-byte
// direction (0=in,1=out), 4-byte length, then the raw frame bytes.
func encodeRecord(connID uint64, direction string, raw []byte) []byte {
	dir := byte(0)
	if direction == "out" {
		dir = 1
	}
	out := make([]byte, 0, 21+len(raw))
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(time.Now().UnixNano()/int64(time.Millisecond)))
	out = append(out, tsb[:]...)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], connID)
	out = append(out, idb[:]...)
	out = append(out, dir)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(raw)))
	out = append(out, lb[:]...)
	out = append(out, raw...)
	return out
}

// DumpFrame implements p2p/conn.FrameDumper. Delivery is best-effort:
// a dump sink must never slow down or break the connection it is
// observing, so write errors here are logged, not propagated.
func (s *Sink) DumpFrame(connID uint64, direction string, raw []byte) {
	record := encodeRecord(connID, direction, raw)

	s.mu.Lock()
	f := s.file
	producer := s.producer
	topic := s.kafkaTopic
	s.mu.Unlock()

	if f != nil {
		if _, err := f.Write(record); err != nil {
			logger.Warn("frame dump write failed", "err", err)
		}
	}
	if producer != nil {
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(s.sessionID),
			Value: sarama.ByteEncoder(record),
		}
		if _, _, err := producer.SendMessage(msg); err != nil {
			logger.Warn("frame dump kafka publish failed", "err", err)
		}
	}
}
