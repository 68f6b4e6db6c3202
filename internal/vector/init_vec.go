package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register sqlite-vec with the go-sqlite3 driver as an auto-loaded
	// extension so vec_distance_cosine is available on every connection.
	vec.Auto()
}
