package types

// CrashMessage is emitted for every new file that shows up in a worker's crashes/ dir.
type CrashMessage struct {
	CrashFile  string // path to the crash file on local filesystem
	Worker     string // -M / -S name of the worker that found it
	Target     string // binary the worker was fuzzing
	CampaignID string
}

// QueueMessage is emitted for every new queue entry of the primary worker.
type QueueMessage struct {
	QueueFile  string
	CampaignID string
}

// CrashEvent is the JSON body published to the crash queue.
type CrashEvent struct {
	CampaignID string `json:"campaign_id"`
	Worker     string `json:"worker"`
	Target     string `json:"target"`
	Path       string `json:"path"`
	MD5        string `json:"md5"`
}

// SeedBundleEvent is the JSON body published to the seed queue for every bundle.
type SeedBundleEvent struct {
	CampaignID string `json:"campaign_id"`
	Path       string `json:"path"`
	Seeds      int    `json:"seeds"`
}
