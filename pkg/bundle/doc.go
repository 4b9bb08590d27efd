/*
Package bundle implements content-addressed program storage.

On the node, Cache stores artifacts as {fingerprint}.js files in a
scratch directory with a bbolt metadata index beside them. A slot is
reserved with Create, written with Put (staged and renamed so a
partial write is never describable), and looked up with Describe.

The cache is wiped wholesale at startup once it holds more than a
handful of bundles; artifacts are content-addressed and clients
re-upload any fingerprint a node no longer has.

On the client, Bundler produces a single self-contained artifact from
an entrypoint and Fingerprint computes the sha256 digest every
participant keys bundles by.
*/
package bundle
