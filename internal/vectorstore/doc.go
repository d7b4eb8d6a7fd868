// Package vectorstore indexes organization chat messages for semantic search.
//
// Each organization gets one chromem-go collection. A message is split into
// chunks whose document ids are <message_id>#<n> and whose metadata carries
// message_id, so hits can be mapped back to log messages.
//
// Embeddings come from an OpenAI-compatible endpoint when configured; the
// local HashEmbedding keeps semantic mode usable offline.
package vectorstore
