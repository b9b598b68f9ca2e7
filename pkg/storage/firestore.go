package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/homegauge/homegauge/pkg/retry"
	"github.com/homegauge/homegauge/pkg/types"
)

// FirestoreProvider stores points in Google Cloud Firestore under
// measurements/{measurement}/points. The document ID is derived from the
// series key and the timestamp, so writing the same point twice overwrites the
// same document.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project ID can be inferred from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context, _ string) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(measurement string) (*firestore.CollectionRef, error) {
	if measurement == "" {
		return nil, fmt.Errorf("measurement cannot be empty")
	}
	return f.client.Collection("measurements").Doc(measurement).Collection("points"), nil
}

// pointDocID returns a document ID that is stable for a series key and time.
// Slashes are not allowed in IDs so the key is path escaped.
func pointDocID(p types.Point) string {
	return url.PathEscape(p.SeriesKey()) + "@" + p.Time.UTC().Format(time.RFC3339)
}

// Write implements Writer.
func (f *FirestoreProvider) Write(ctx context.Context, points ...types.Point) error {
	if err := validate(points); err != nil {
		return err
	}
	for _, p := range points {
		coll, err := f.getCollection(p.Measurement)
		if err != nil {
			return err
		}
		_, err = coll.Doc(pointDocID(p)).Set(ctx, map[string]interface{}{
			"seriesKey": p.SeriesKey(),
			"tags":      p.Tags,
			"fields":    p.Fields,
			"timestamp": p.Time,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert %s point: %w", p.Measurement, classifyFirestore(err))
		}
	}
	countWritten("firestore", points)
	return nil
}

// LatestTime returns the timestamp of the newest point in a measurement.
func (f *FirestoreProvider) LatestTime(ctx context.Context, measurement string) (time.Time, bool, error) {
	coll, err := f.getCollection(measurement)
	if err != nil {
		return time.Time{}, false, err
	}
	iter := coll.OrderBy("timestamp", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest %s point: %w", measurement, err)
	}
	v, err := doc.DataAt("timestamp")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest %s point missing timestamp: %w", measurement, err)
	}
	ts, ok := v.(time.Time)
	if !ok {
		return time.Time{}, false, fmt.Errorf("latest %s point timestamp is %T", measurement, v)
	}
	return ts, true, nil
}

// classifyFirestore marks errors that will never succeed on retry.
func classifyFirestore(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return retry.Permanent(err)
	default:
		return err
	}
}
