/*
Package domain contains the core models of the transfer server.

It is kept free of I/O and persistence so that the HTTP adapter, the upload
service and the storage adapters can share one vocabulary.

# Key Entities

  - FileKey: Where a stored file lives (<uuid>/<name>).
  - Upload: Catalog record describing a stored file.
  - UploadResult: The JSON document returned by POST /upload.
  - Blob: An opened stored file ready to be streamed back to a client.
*/
package domain
