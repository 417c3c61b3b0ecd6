// Package compression shrinks context values without calling a model.
//
// The extractive compressor scores sentences by position, length, and
// term rarity, then keeps the best ones in their original order until the
// target size is reached. Output is deterministic for a given input.
package compression
