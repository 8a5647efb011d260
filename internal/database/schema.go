package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// Upload is a FASTA file staged in the upload bucket. Runs reference uploads
// by id, so one upload can feed samples in multiple runs.
type Upload struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Filename string    `gorm:"size:255"`

	FastaKey      string `gorm:"not null"`
	Size          int64
	SequenceCount int

	CreationTime time.Time
}

type Run struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunName string    `gorm:"not null"`
	Dataset string    `gorm:"size:50;not null"`

	Status string `gorm:"size:20;not null"`

	Deleted bool `gorm:"default:false"`
	Stopped bool `gorm:"default:false"`

	CreationTime   time.Time
	CompletionTime sql.NullTime

	SucceededSampleCount int `gorm:"default:0"`
	FailedSampleCount    int `gorm:"default:0"`
	TotalSampleCount     int `gorm:"default:0"`

	Samples []Sample `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	DatasetFetchTask  *DatasetFetchTask  `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	PrepareInputsTask *PrepareInputsTask `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	AnalysisTasks     []AnalysisTask     `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	Errors []RunError `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type Sample struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name  string    `gorm:"primaryKey;size:255"`

	FastaKey      string `gorm:"not null"`
	Size          int64
	SequenceCount int
}

type DatasetFetchTask struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Run   *Run      `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	// Object-store prefix where the fetched dataset was staged.
	DatasetPrefix string
}

type PrepareInputsTask struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Run   *Run      `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type AnalysisTask struct {
	RunId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskId int       `gorm:"primaryKey"`
	Run    *Run      `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`

	SampleName string `gorm:"size:255;not null"`

	Status         string `gorm:"size:20;not null"`
	Attempts       int    `gorm:"not null;default:0"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	// Object-store prefix of the per-sample output directory.
	ResultPrefix string
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
