// Package treehash computes SHA-256 tree hashes as verified by the vault
// service.
//
// Data is split into 1 MiB leaves, each leaf is hashed with SHA-256, and
// the leaf hashes are reduced level by level: adjacent pairs are
// concatenated and hashed again, and an unpaired trailing node moves up
// unchanged. Because part sizes are powers of two multiples of 1 MiB,
// combining part hashes with [Combine] yields the same root as hashing
// the whole archive at once.
//
// # Usage
//
//	h := treehash.Sum(part)             // one part in memory
//
//	d := treehash.New()                 // streaming
//	io.Copy(d, r)
//	root := d.Sum()
//
//	tree := treehash.NewTree()          // parts finishing out of order
//	tree.Set(2, h2)
//	tree.Set(0, h0)
//	tree.Set(1, h1)
//	root, err := tree.Root(3)
package treehash
