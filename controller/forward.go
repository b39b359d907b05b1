package controller

import (
	"io"
	"net"
)

// splice copies bytes both ways until either side closes. initial carries
// bytes the codec already buffered for dst; they must go out before the
// copy starts. Backpressure is the OS socket buffers, no queue in between.
func splice(src, dst net.Conn, initial []byte) {
	defer src.Close()
	defer dst.Close()

	if len(initial) > 0 {
		if _, err := dst.Write(initial); err != nil {
			return
		}
	}

	go func() {
		io.Copy(src, dst)
		src.Close()
		dst.Close()
	}()
	io.Copy(dst, src)
}
