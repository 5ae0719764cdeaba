// Package cache holds the data containers a node stores committed values in,
// the codecs used to turn values into bytes for replication, and a small TTL
// cache reused for bookkeeping such as transaction tombstones.
package cache
