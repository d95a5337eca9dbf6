package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Updates live in an "updates" subcollection keyed by zero-padded index.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "docsync_documents",
	}
}

func (s *FirestoreStore) docRef(name string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(name)
}

func (s *FirestoreStore) updatesCollection(name string) *firestore.CollectionRef {
	return s.docRef(name).Collection("updates")
}

func zeroPad(index int) string {
	return fmt.Sprintf("%010d", index)
}

func (s *FirestoreStore) Create(ctx context.Context, name string) error {
	now := time.Now()
	_, err := s.docRef(name).Create(ctx, map[string]interface{}{
		"snapshot":        []byte(nil),
		"snapshotVersion": 0,
		"version":         0,
		"createdAt":       now,
		"updatedAt":       now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return exists(name)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, name string) (*DocumentInfo, error) {
	snap, err := s.docRef(name).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(name, snap), nil
}

func snapshotToDocInfo(name string, snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	snapshot, _ := data["snapshot"].([]byte)
	snapshotVersion, _ := data["snapshotVersion"].(int64)
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		Name:            name,
		Snapshot:        snapshot,
		SnapshotVersion: int(snapshotVersion),
		Version:         int(version),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

// Save writes the snapshot, then deletes the update documents it covers.
func (s *FirestoreStore) Save(ctx context.Context, name string, snapshot []byte, version int) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(name))
		if err != nil {
			return err
		}
		updates := []firestore.Update{
			{Path: "snapshot", Value: snapshot},
			{Path: "snapshotVersion", Value: version},
			{Path: "updatedAt", Value: time.Now()},
		}
		if current := snapshotToDocInfo(name, snap); version > current.Version {
			updates = append(updates, firestore.Update{Path: "version", Value: version})
		}
		return tx.Update(s.docRef(name), updates)
	})
	if status.Code(err) == codes.NotFound {
		return notFound(name)
	}
	if err != nil {
		return err
	}

	iter := s.updatesCollection(name).
		OrderBy(firestore.DocumentID, firestore.Asc).
		EndBefore(zeroPad(version)).
		Documents(ctx)
	defer iter.Stop()
	bw := s.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			return err
		}
	}
	bw.End()
	return nil
}

func (s *FirestoreStore) AppendUpdate(ctx context.Context, name string, update []byte, version int) error {
	// Store with 0-based index: version 1 → index 0, matching MemoryStore's
	// history slice semantics where GetUpdates(fromVersion) returns history[fromVersion:].
	batch := s.client.Batch()
	batch.Set(s.updatesCollection(name).Doc(zeroPad(version-1)), map[string]interface{}{
		"update":  update,
		"version": version,
	})
	batch.Update(s.docRef(name), []firestore.Update{
		{Path: "version", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	_, err := batch.Commit(ctx)
	if status.Code(err) == codes.NotFound {
		return notFound(name)
	}
	return err
}

func (s *FirestoreStore) GetUpdates(ctx context.Context, name string, fromVersion int) ([][]byte, error) {
	// Verify document exists.
	_, err := s.docRef(name).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, err
	}

	iter := s.updatesCollection(name).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromVersion)).
		Documents(ctx)
	defer iter.Stop()

	var updates [][]byte
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		update, ok := snap.Data()["update"].([]byte)
		if !ok {
			return nil, fmt.Errorf("invalid update field in %s", snap.Ref.ID)
		}
		updates = append(updates, update)
	}
	return updates, nil
}
