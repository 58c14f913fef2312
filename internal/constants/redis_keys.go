package constants

// Redis key prefixes and formats.
// Unified naming scheme: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix is the shared application prefix for every Redis key.
	AppPrefix = "app"

	// ProfileModulePrefix covers wanted-profile keys.
	ProfileModulePrefix = "profile"
	// CVModulePrefix covers candidate/CV keys.
	CVModulePrefix = "cv"
	// RankingModulePrefix covers ranking keys.
	RankingModulePrefix = "ranking"

	// EntityActive is the cached active-profile entity.
	EntityActive = "active"
	// EntityLock is the distributed-lock entity.
	EntityLock = "lock"
	// EntityDedupSet is the upload-dedup set entity.
	EntityDedupSet = "dedup_set"

	// KeyActiveProfile caches the active profile document per owner.
	// Format: app:profile:active:{owner}
	KeyActiveProfile = AppPrefix + ":" + ProfileModulePrefix + ":" + EntityActive

	// KeyRebuildLock guards concurrent rebuilds of the same profile.
	// Format: app:ranking:lock:{profileID}
	KeyRebuildLock = AppPrefix + ":" + RankingModulePrefix + ":" + EntityLock

	// KeyFileDedupSet holds MD5 digests of previously uploaded CV files.
	// Format: app:cv:dedup_set
	KeyFileDedupSet = AppPrefix + ":" + CVModulePrefix + ":" + EntityDedupSet
)
