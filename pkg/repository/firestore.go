package repository

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hypnos/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const memoryCollection = "memories"

// Firestore stores each record as a document keyed by its ID
type Firestore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

type FirestoreOption func(*Firestore)

// WithCollection overrides the collection name. Tests use it to isolate runs.
func WithCollection(name string) FirestoreOption {
	return func(r *Firestore) {
		r.collection = name
	}
}

// firestoreMemory adds the insertion timestamp used for ordering
type firestoreMemory struct {
	model.Memory
	StoredAt time.Time `firestore:"stored_at"`
}

// NewFirestore creates a Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.New("firestore project ID is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	r := &Firestore{
		client:     client,
		collection: memoryCollection,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Firestore) doc(id model.MemoryID) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(string(id))
}

func decodeSnapshot(doc *firestore.DocumentSnapshot) (*model.Memory, error) {
	var stored firestoreMemory
	if err := doc.DataTo(&stored); err != nil {
		return nil, goerr.Wrap(model.ErrCorruptRecord, "failed to decode memory document",
			goerr.V("doc_id", doc.Ref.ID), goerr.V("cause", err.Error()))
	}
	mem := stored.Memory
	if err := mem.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrCorruptRecord, "invalid memory document",
			goerr.V("doc_id", doc.Ref.ID), goerr.V("cause", err.Error()))
	}
	return &mem, nil
}

func (r *Firestore) PutMemory(ctx context.Context, mem *model.Memory) error {
	if err := mem.Validate(); err != nil {
		return goerr.Wrap(model.ErrInvalidMemory, "refused to store invalid memory", goerr.V("reason", err.Error()))
	}

	stored := &firestoreMemory{Memory: *mem.Clone(), StoredAt: r.now().UTC()}
	if _, err := r.doc(mem.ID).Create(ctx, stored); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(model.ErrDuplicateID, "memory id already used", goerr.V("id", mem.ID))
		}
		return goerr.Wrap(err, "failed to put memory", goerr.V("id", mem.ID))
	}
	return nil
}

func (r *Firestore) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	doc, err := r.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrMemoryNotFound, "memory not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}
	return decodeSnapshot(doc)
}

func (r *Firestore) ListMemories(ctx context.Context) ([]*model.Memory, error) {
	iter := r.client.Collection(r.collection).
		OrderBy("stored_at", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*model.Memory
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories")
		}

		mem, err := decodeSnapshot(doc)
		if err != nil {
			logSkippedRow(ctx, err)
			continue
		}
		out = append(out, mem)
	}

	return out, nil
}

func (r *Firestore) CommitConsolidation(ctx context.Context, result *model.ConsolidationResult) error {
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// All reads must happen before any write in a Firestore transaction
		cache := make(map[model.MemoryID]*model.Memory)
		var readErr error
		lookup := func(id model.MemoryID) (*model.Memory, bool) {
			if mem, ok := cache[id]; ok {
				return mem, true
			}
			doc, err := tx.Get(r.doc(id))
			if err != nil {
				if status.Code(err) != codes.NotFound && readErr == nil {
					readErr = err
				}
				return nil, false
			}
			mem, err := decodeSnapshot(doc)
			if err != nil {
				if readErr == nil {
					readErr = err
				}
				return nil, false
			}
			cache[id] = mem
			return mem, true
		}

		checkErr := checkCommit(result, lookup)
		if readErr != nil {
			return goerr.Wrap(readErr, "failed to read memory in transaction")
		}
		if checkErr != nil {
			return checkErr
		}

		stored := &firestoreMemory{Memory: *result.Summary.Clone(), StoredAt: r.now().UTC()}
		if err := tx.Create(r.doc(result.Summary.ID), stored); err != nil {
			return goerr.Wrap(err, "failed to create summary memory", goerr.V("id", result.Summary.ID))
		}
		for _, id := range result.MergedIDs {
			update := []firestore.Update{{Path: "superseded_by", Value: string(result.Summary.ID)}}
			if err := tx.Update(r.doc(id), update); err != nil {
				return goerr.Wrap(err, "failed to mark memory superseded", goerr.V("id", id))
			}
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to commit consolidation")
	}
	return nil
}

func (r *Firestore) Close() error {
	if err := r.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}
