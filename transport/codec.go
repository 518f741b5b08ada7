package transport

import jsoniter "github.com/json-iterator/go"

// jsonAPI serializes frame headers. Payload buffers never pass through it;
// they're framed as raw bytes.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary
