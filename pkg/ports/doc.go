/*
Package ports defines the driven ports (interfaces) of the transfer server.

These interfaces decouple the upload service from where bytes and metadata
are kept, so the same service runs against the local disk, S3, memory or
Redis.

# Key Interfaces

  - BlobStore: Stores and streams the bytes of uploaded files.
  - BlobWriter: A pending write that becomes visible only on Commit.
  - Catalog: Indexes upload metadata (name, size, content type, time).
*/
package ports
