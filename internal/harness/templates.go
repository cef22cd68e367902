package harness

// Placeholders, in order: user code, base64 test blob, target function name.
//
// Both templates seed the runtime's randomness source to a fixed value so
// repeated runs of a correct solution produce byte-identical output. Expected
// and actual values are printed in a stable key-sorted encoding.

const pythonTemplate = `import base64 as __cap_b64
import json as __cap_json
import random as __cap_random
__cap_random.seed(42)

%s

def __capsule_run():
    __data = __cap_json.loads(__cap_b64.b64decode("%s").decode("utf-8"))
    try:
        __actual = %s(*__data["input"])
    except Exception as __exc:
        print("` + ErrorMarker + ` " + repr(__exc))
        return
    if __actual == __data["expected"]:
        print("` + PassMarker + `")
    else:
        print("` + FailMarker + ` expected=" + __cap_json.dumps(__data["expected"], sort_keys=True)
              + " actual=" + __cap_json.dumps(__actual, sort_keys=True, default=str))

__capsule_run()
`

const javascriptTemplate = `"use strict";
(function () {
    let __seed = 42 >>> 0;
    Math.random = function () {
        __seed = (Math.imul(__seed, 1664525) + 1013904223) >>> 0;
        return __seed / 4294967296;
    };
})();

%s

function __capsuleStable(v) {
    if (Array.isArray(v)) {
        return "[" + v.map(__capsuleStable).join(",") + "]";
    }
    if (v !== null && typeof v === "object") {
        return "{" + Object.keys(v).sort().map(function (k) {
            return JSON.stringify(k) + ":" + __capsuleStable(v[k]);
        }).join(",") + "}";
    }
    return JSON.stringify(v);
}

(function () {
    const __data = JSON.parse(Buffer.from("%s", "base64").toString("utf-8"));
    try {
        const __actual = %s(...__data.input);
        if (__capsuleStable(__actual) === __capsuleStable(__data.expected)) {
            console.log("` + PassMarker + `");
        } else {
            console.log("` + FailMarker + ` expected=" + __capsuleStable(__data.expected)
                + " actual=" + __capsuleStable(__actual));
        }
    } catch (err) {
        console.log("` + ErrorMarker + ` " + String(err));
    }
})();
`
