package manifest

type SystemInfo struct {
	Hostname    string `yaml:"hostname"`
	OS          string `yaml:"os"`
	DumpVersion string `yaml:"dump_version"`
}

type Source struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user,omitempty"`
}

// Artifact is the sidecar written next to every finished snapshot.
type Artifact struct {
	Name       string           `yaml:"name"`
	CreatedAt  int64            `yaml:"created_at"`
	Size       int64            `yaml:"size"`
	Blake3Hash string           `yaml:"blake3_hash"`
	Status     string           `yaml:"status"`
	System     SystemInfo       `yaml:"system"`
	Source     Source           `yaml:"source"`
	RowCounts  map[string]int64 `yaml:"row_counts,omitempty"`
	Offsite    *Offsite         `yaml:"offsite,omitempty"`
}

// Offsite records where an encrypted copy of the artifact was uploaded.
type Offsite struct {
	S3Key        string `yaml:"s3_key"`
	AgePublicKey string `yaml:"age_public_key"`
	Blake3Hash   string `yaml:"blake3_hash"` // of the encrypted object
	UploadedAt   int64  `yaml:"uploaded_at"`
}
