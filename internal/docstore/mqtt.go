package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds cloud mailbox connection settings.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

const mqttOpTimeout = 10 * time.Second

// MQTTStore implements Store over an MQTT broker. A document is a retained
// JSON message on "<prefix>/<path>". The store mirrors the whole prefix
// locally, so point reads are cache hits. All mirror updates and watch
// notifications flow through the broker subscription, which includes the echo
// of our own publishes: a write is visible to watchers (and to Get) once the
// broker has delivered it back, not when Publish returns.
//
// The mirror also warms asynchronously after connect: a Get immediately after
// startup may return ErrNotFound until the broker has replayed its retained
// messages.
type MQTTStore struct {
	client pahomqtt.Client
	prefix string
	logger *slog.Logger

	mu   sync.RWMutex
	docs map[string]Document
	raw  map[string][]byte // last applied payload, for broker echo dedup

	watchers *watcherTable
}

// NewMQTTStore connects to the broker and subscribes to the document prefix.
func NewMQTTStore(cfg MQTTConfig, logger *slog.Logger) (*MQTTStore, error) {
	s := newMQTTStore(cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "safetyfirst-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			s.logger.Info("mailbox connected", "broker", cfg.Broker)
			// (Re)subscribe on every connect; subscriptions are not
			// retained across reconnects with a clean session.
			token := c.Subscribe(s.prefix+"/#", 1, s.handleMessage)
			go func() {
				token.Wait()
				if err := token.Error(); err != nil {
					s.logger.Error("mailbox subscribe", "err", err)
				}
			}()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.logger.Warn("mailbox connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttOpTimeout) {
		return nil, fmt.Errorf("mailbox connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mailbox connect: %w", err)
	}

	s.client = client
	return s, nil
}

// newMQTTStore builds the store shell without a connected client. Tests
// inject a fake client and drive handleMessage directly.
func newMQTTStore(prefix string, logger *slog.Logger) *MQTTStore {
	if prefix == "" {
		prefix = "safetyfirst"
	}
	return &MQTTStore{
		prefix:   prefix,
		logger:   logger.With("component", "docstore"),
		docs:     make(map[string]Document),
		raw:      make(map[string][]byte),
		watchers: newWatcherTable(logger),
	}
}

func (s *MQTTStore) topicForPath(path string) string {
	return s.prefix + "/" + path
}

func (s *MQTTStore) pathForTopic(topic string) (string, bool) {
	path, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

// handleMessage applies a broker-delivered document state to the mirror and
// notifies watchers. Payloads identical to the last applied state are
// duplicate deliveries and are dropped.
func (s *MQTTStore) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	path, ok := s.pathForTopic(msg.Topic())
	if !ok {
		return
	}
	payload := msg.Payload()

	if len(payload) == 0 {
		s.mu.Lock()
		_, existed := s.docs[path]
		delete(s.docs, path)
		delete(s.raw, path)
		s.mu.Unlock()
		if existed {
			s.watchers.notify(path, nil, false)
		}
		return
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		s.logger.Warn("mailbox message not a document", "topic", msg.Topic(), "err", err)
		return
	}

	s.mu.Lock()
	if bytes.Equal(s.raw[path], payload) {
		s.mu.Unlock()
		return
	}
	s.docs[path] = doc
	s.raw[path] = append([]byte(nil), payload...)
	snapshot := copyDoc(doc)
	s.mu.Unlock()

	s.watchers.notify(path, snapshot, true)
}

func (s *MQTTStore) Get(_ context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *MQTTStore) Set(ctx context.Context, path string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return s.publish(ctx, path, data)
}

func (s *MQTTStore) Merge(ctx context.Context, path string, fields Document) error {
	s.mu.RLock()
	merged := copyDoc(s.docs[path])
	s.mu.RUnlock()
	if merged == nil {
		merged = make(Document, len(fields))
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return s.publish(ctx, path, data)
}

func (s *MQTTStore) Delete(ctx context.Context, path string) error {
	// An empty retained payload clears the retained message on the broker.
	// The echo removes the path from the mirror and notifies watchers.
	return s.publish(ctx, path, nil)
}

// publish commits a payload to the broker. The mirror is updated when the
// broker delivers the publish back on our own subscription.
func (s *MQTTStore) publish(_ context.Context, path string, data []byte) error {
	token := s.client.Publish(s.topicForPath(path), 1, true, data)
	if !token.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("write %s: publish timeout", path)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *MQTTStore) List(_ context.Context, prefix string) (map[string]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Document)
	for path, doc := range s.docs {
		if isDirectChild(prefix, path) {
			out[path] = copyDoc(doc)
		}
	}
	return out, nil
}

func (s *MQTTStore) Watch(path string, fn WatchFunc) (func(), error) {
	cancel := s.watchers.addDoc(path, fn)

	s.mu.RLock()
	doc, ok := s.docs[path]
	snapshot := copyDoc(doc)
	s.mu.RUnlock()
	fn(snapshot, ok)

	return cancel, nil
}

func (s *MQTTStore) WatchPrefix(prefix string, fn PrefixWatchFunc) (func(), error) {
	cancel := s.watchers.addPrefix(prefix, fn)

	s.mu.RLock()
	type entry struct {
		path string
		doc  Document
	}
	var current []entry
	for path, doc := range s.docs {
		if strings.HasPrefix(path, prefix+"/") {
			current = append(current, entry{path, copyDoc(doc)})
		}
	}
	s.mu.RUnlock()
	for _, e := range current {
		fn(e.path, e.doc, true)
	}

	return cancel, nil
}

func (s *MQTTStore) Close() error {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	return nil
}
