// Package security seals and opens per-origin build secrets.
//
// Each origin owns a 32-byte AES-256-GCM key stored base64-encoded in the
// store. Secret values are stored sealed as base64(nonce || ciphertext) and
// only opened at job dispatch, when they are handed to the worker inside the
// start-job message. The plaintext never lands in the store or the logs.
package security
