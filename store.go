package toybox

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Document is one server-published document: opaque field name to value, with
// the document id injected under "_id". Documents handed out by the store are
// copy-on-write and must be treated as read-only by callers.
type Document = map[string]any

// collection names discovered from the make.toys bundle
const (
	CollectionPrinterStates = "printerStates"
	CollectionToyPrints     = "toyPrints"
	CollectionUsers         = "users"
)

// Store is the local mirror of the server-published collections. It is
// mutated only by added/changed/removed messages, all applied from the single
// inbound message goroutine; reads can happen from any goroutine at any time.
type Store struct {
	stateLock   sync.RWMutex
	collections map[string]map[string]Document
}

func NewStore() *Store {
	return &Store{
		collections: map[string]map[string]Document{},
	}
}

// Apply mutates the store per one added/changed/removed message. A changed or
// removed for an unknown document is a protocol anomaly: logged, never raised.
func (self *Store) Apply(message *Message) {
	switch message.Msg {
	case MessageAdded:
		self.add(message.Collection, message.Id, message.Fields)
	case MessageChanged:
		self.change(message.Collection, message.Id, message.Fields, message.Cleared)
	case MessageRemoved:
		self.remove(message.Collection, message.Id)
	default:
		glog.Infof("[s]drop non-mutation message %q\n", message.Msg)
	}
}

func (self *Store) add(collectionName string, id string, fields map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		collection = map[string]Document{}
		self.collections[collectionName] = collection
	}
	document := Document{}
	for key, value := range fields {
		document[key] = value
	}
	document["_id"] = id
	collection[id] = document
}

func (self *Store) change(collectionName string, id string, fields map[string]any, cleared []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		glog.Infof("[s]change for unknown collection %s/%s\n", collectionName, id)
		return
	}
	document, ok := collection[id]
	if !ok {
		glog.Infof("[s]change for unknown document %s/%s\n", collectionName, id)
		return
	}
	// replace rather than mutate so that documents already handed out stay
	// consistent snapshots
	next := maps.Clone(document)
	for key, value := range fields {
		next[key] = value
	}
	for _, key := range cleared {
		delete(next, key)
	}
	collection[id] = next
}

func (self *Store) remove(collectionName string, id string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		glog.Infof("[s]remove for unknown collection %s/%s\n", collectionName, id)
		return
	}
	if _, ok := collection[id]; !ok {
		glog.Infof("[s]remove for unknown document %s/%s\n", collectionName, id)
		return
	}
	delete(collection, id)
}

// Get returns one document, or false when either the collection or the id is
// unknown.
func (self *Store) Get(collectionName string, id string) (Document, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return nil, false
	}
	document, ok := collection[id]
	return document, ok
}

// All returns the documents of one collection, consistent at call time. The
// slice is owned by the caller; later store mutations do not show through.
func (self *Store) All(collectionName string) []Document {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	collection, ok := self.collections[collectionName]
	if !ok {
		return []Document{}
	}
	return maps.Values(collection)
}

// Collections returns the names of all collections seen so far.
func (self *Store) Collections() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return maps.Keys(self.collections)
}

func (self *Store) Size(collectionName string) int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return len(self.collections[collectionName])
}

// Clear drops every collection. Called on teardown so no stale state survives
// a reconnect.
func (self *Store) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.collections = map[string]map[string]Document{}
}
