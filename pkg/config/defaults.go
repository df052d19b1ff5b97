package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers the default value of every configuration key so a
// bare process starts with memory stores and no persistence.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("store.nodes.type", "memory")
	v.SetDefault("store.nodes.badger.path", "")
	v.SetDefault("store.nodes.badger.in_memory", false)

	v.SetDefault("store.blobs.index.type", "memory")
	v.SetDefault("store.blobs.index.badger.path", "")
	v.SetDefault("store.blobs.index.badger.in_memory", false)

	v.SetDefault("store.blobs.payloads.type", "memory")
	v.SetDefault("store.blobs.payloads.s3.bucket", "")
	v.SetDefault("store.blobs.payloads.s3.key_prefix", "")
	v.SetDefault("store.blobs.payloads.s3.region", "")
	v.SetDefault("store.blobs.payloads.s3.endpoint", "")
	v.SetDefault("store.blobs.payloads.s3.use_path_style", false)

	v.SetDefault("engine.history_max", 10)
	v.SetDefault("engine.max_upload_size", 0)
	v.SetDefault("engine.page_size", 100)

	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", time.Hour)
	v.SetDefault("gc.dry_run", false)
}
