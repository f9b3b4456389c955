// Package redisengine implements the producttwin wide-row projection store on
// Redis.
//
// Each physical row is a hash; each partition additionally keeps a sorted set
// of its row keys (all at score zero) so that the inclusive lexical range
// scans of the projection queries map onto ZRANGEBYLEX. Upserts and deletes
// update the hash and the index within one transactional pipeline, keeping the
// two in step.
package redisengine
