package usermigrate

// Buckets of the user store. Each environment namespace holds all of them.
var (
	// LegacyUsersBucket holds user records keyed by phone number.
	LegacyUsersBucket = []byte("usersv1")
	// ScopedUsersBucket holds user records keyed by phone number and role.
	ScopedUsersBucket = []byte("usersv2")
	// LocksBucket holds the run lock of each migration.
	LocksBucket = []byte("migrationlocksv1")
	// CheckpointsBucket holds the progress marker of each migration.
	CheckpointsBucket = []byte("migrationcheckpointsv1")
)

// MigrationName identifies the role sort key migration in the lock and
// checkpoint buckets.
const MigrationName = "add-role-sort-key"
