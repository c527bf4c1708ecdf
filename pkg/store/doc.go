/*
Package store abstracts the object store a volume lives in.

A volume occupies the key namespace <bucket>/<volume>/ and consists of
the encrypted `config` object plus `blocks/<N>` block objects. The core
only ever sees the Store interface; concrete backends are registered by
name and constructed through Open:

	s3    S3 and S3-compatible services (aws-sdk-go-v2)
	bolt  a local bbolt database file, same layout
	mem   in-memory, for tests and benchmarks

Network operations carry retry-until-success semantics: transient
failures back off at a fixed interval (at least one second) and retry
indefinitely, with a watchdog bounding each individual attempt so a
wedged connection cannot hang a worker. Only non-retryable conditions
(missing object, bad credentials, missing bucket) surface as errors.

Handles are cheap to Clone; every upload worker owns its own clone so
there is no contention on HTTP client state.
*/
package store
