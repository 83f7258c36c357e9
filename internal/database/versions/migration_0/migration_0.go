package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Schema snapshot at migration 0. These structs are frozen copies; the
// live schema is defined in the database package.

type User struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null;uniqueIndex"`
	CreationTime time.Time

	Samples []Sample `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
}

type Sample struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId uuid.UUID `gorm:"type:uuid;index;not null"`

	Status      string `gorm:"size:20;not null"`
	ContentHash string `gorm:"size:64;index"`
	StorageKey  string `gorm:"not null"`

	Crop datatypes.JSON

	CreationTime time.Time
}

type TrainingJob struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestedBy string

	Status   string `gorm:"size:20;not null"`
	Progress float64
	Detail   string
	Error    sql.NullString
	Force    bool

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	SnapshotId     uuid.NullUUID `gorm:"type:uuid"`
	SkippedUsers   int           `gorm:"default:0"`
	SkippedSamples int           `gorm:"default:0"`
}

type ModelSnapshot struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SchemaVersion int       `gorm:"uniqueIndex;not null"`

	EmbeddingDim   int
	TraditionalDim int
	ProjectedDim   int

	CorpusDigest   string `gorm:"size:64"`
	ArtifactPrefix string `gorm:"not null"`
	Degraded       bool   `gorm:"default:false"`

	Published    bool `gorm:"default:false;index"`
	CreationTime time.Time

	ReferenceVectors []ReferenceVector `gorm:"foreignKey:SnapshotId;constraint:OnDelete:CASCADE"`
}

type ReferenceVector struct {
	SnapshotId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId     uuid.UUID `gorm:"type:uuid;primaryKey"`

	Vector      []byte `gorm:"not null"`
	SampleCount int
}

type RecognitionConfig struct {
	Id int `gorm:"primaryKey"`

	SimilarityThreshold  float64
	MeanThreshold        float64
	GapThreshold         float64
	TopK                 int
	MinEnrollmentSamples int
	Aggregation          string `gorm:"size:20"`

	UpdatedAt time.Time
}

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(
		&User{}, &Sample{}, &TrainingJob{}, &ModelSnapshot{}, &ReferenceVector{}, &RecognitionConfig{},
	)
}

func Rollback(txn *gorm.DB) error {
	return txn.Migrator().DropTable(
		&RecognitionConfig{}, &ReferenceVector{}, &ModelSnapshot{}, &TrainingJob{}, &Sample{}, &User{},
	)
}
