package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Profile is a wanted-profile record: the hiring target candidates are
// scored against. Immutable once created; a new submission supersedes it.
// Only the active flag and the rebuild epoch change after creation.
type Profile struct {
	ProfileID          string         `gorm:"type:char(36);primaryKey"`
	Owner              string         `gorm:"type:varchar(255);index:idx_profiles_owner"`
	Position           string         `gorm:"type:varchar(255)"`
	RequiredEducation  datatypes.JSON `gorm:"type:json"`
	RequiredAttributes datatypes.JSON `gorm:"type:json"`
	RequiredExperience datatypes.JSON `gorm:"type:json"`
	RequiredLanguages  datatypes.JSON `gorm:"type:json"`
	ProfileText        string         `gorm:"type:text"`
	Vector             datatypes.JSON `gorm:"type:json"`
	Active             bool           `gorm:"default:false;index:idx_profiles_active"`
	Published          bool           `gorm:"default:false"`
	// RebuildEpoch increases monotonically on every full rebuild of this
	// profile's rankings. Stale upserts carry an older epoch and lose.
	RebuildEpoch uint64    `gorm:"default:0"`
	CreatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (Profile) TableName() string {
	return "profiles"
}

// HasVector reports whether the profile carries a usable embedding. A
// profile without one produces no rankings at all.
func (p *Profile) HasVector() bool {
	return len(p.Vector) > 0 && string(p.Vector) != "null"
}

// Candidate is one résumé version. Vector and VectorNorm are both present or
// both absent; a candidate without text still carries symbolic tokens.
type Candidate struct {
	CandidateID string          `gorm:"type:char(36);primaryKey"`
	FirstName   string          `gorm:"type:varchar(255)"`
	LastName    string          `gorm:"type:varchar(255)"`
	Email       string          `gorm:"type:varchar(255);index:idx_candidates_email"`
	City        string          `gorm:"type:varchar(255)"`
	Address     string          `gorm:"type:varchar(512)"`
	BirthDate   *datatypes.Date `gorm:"type:date"`
	Age         *int            `gorm:"type:int"`

	// CVFileKey is the blob-store object key of the uploaded file.
	CVFileKey string `gorm:"type:varchar(1024)"`
	// CVFileMD5 is the uploaded file's digest, kept so deleting the
	// candidate can release the dedup entry.
	CVFileMD5 string `gorm:"type:char(32);index:idx_candidates_cv_file_md5"`
	// CVText is the text the embedding was computed from.
	CVText string `gorm:"type:text"`
	// AnalyzerFields keeps the document analyzer's raw field lists.
	AnalyzerFields datatypes.JSON `gorm:"type:json"`
	// AnalyzerVersion tags which analyzer produced the fields.
	AnalyzerVersion string `gorm:"type:varchar(50)"`

	Vector     datatypes.JSON `gorm:"type:json"`
	VectorNorm float64        `gorm:"type:double"`
	// VectorSource records the provenance of the embedded text.
	VectorSource string `gorm:"type:varchar(50)"`

	TokensEducation  datatypes.JSON `gorm:"type:json"`
	TokensSkills     datatypes.JSON `gorm:"type:json"`
	TokensExperience datatypes.JSON `gorm:"type:json"`
	TokensLanguages  datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_candidates_created_at"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// HasVector reports whether the candidate carries a usable embedding.
func (c *Candidate) HasVector() bool {
	return len(c.Vector) > 0 && string(c.Vector) != "null" && c.VectorNorm > 0
}

// Ranking is a (profile, candidate) pair's computed compatibility. The pair
// is unique; the score is a pure function of the two documents and the
// weight configuration recorded in Weights.
type Ranking struct {
	RankingID   uint64 `gorm:"primaryKey;autoIncrement"`
	ProfileID   string `gorm:"type:char(36);not null;uniqueIndex:idx_rankings_profile_candidate,priority:1;index:idx_rankings_profile_score,priority:1"`
	CandidateID string `gorm:"type:char(36);not null;uniqueIndex:idx_rankings_profile_candidate,priority:2"`

	Score                  float64 `gorm:"type:double;index:idx_rankings_profile_score,priority:2"`
	ScoreCosine            float64 `gorm:"type:double"`
	ScoreJaccardTotal      float64 `gorm:"type:double"`
	ScoreJaccardSkills     float64 `gorm:"type:double"`
	ScoreJaccardExperience float64 `gorm:"type:double"`
	ScoreJaccardEducation  float64 `gorm:"type:double"`
	ScoreJaccardLanguages  float64 `gorm:"type:double"`

	// Weights snapshots the configuration the score was computed under, so
	// historical rankings stay interpretable after global weights change.
	Weights datatypes.JSON `gorm:"type:json"`
	// Snapshot denormalizes display fields; a materialized projection, not
	// a second source of truth for candidate identity.
	Snapshot datatypes.JSON `gorm:"type:json"`

	// RebuildEpoch is the profile epoch this row was computed under.
	RebuildEpoch uint64 `gorm:"default:0"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Ranking) TableName() string {
	return "rankings"
}

// WeightSnapshot is the persisted shape of the weight configuration.
type WeightSnapshot struct {
	Alpha      float32 `json:"alpha"`
	Skills     float32 `json:"skills"`
	Experience float32 `json:"experience"`
	Education  float32 `json:"education"`
	Languages  float32 `json:"languages"`
	Threshold  int     `json:"threshold"`
}

// DisplaySnapshot is the persisted shape of the denormalized display fields.
type DisplaySnapshot struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	CVFileKey string `json:"cv_file_key,omitempty"`
}

// StringsToJSON converts a string slice to a JSON column value.
func StringsToJSON(values []string) (datatypes.JSON, error) {
	if values == nil {
		values = []string{}
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToStrings converts a JSON column value back to a string slice.
// A null or empty column yields an empty slice.
func JSONToStrings(data datatypes.JSON) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// VectorToJSON converts an embedding vector to a JSON column value.
func VectorToJSON(vector []float32) (datatypes.JSON, error) {
	if vector == nil {
		return datatypes.JSON("null"), nil
	}
	bytes, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// JSONToVector converts a JSON column value back to an embedding vector.
// A null or empty column yields nil.
func JSONToVector(data datatypes.JSON) ([]float32, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// ToJSON marshals any value into a JSON column value.
func ToJSON(v interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
